// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSendFDAndRecvFDRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	path := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(path, []byte("putty.exe contents"), 0644))

	payload, err := os.Open(path)
	require.NoError(t, err)
	defer payload.Close()

	require.NoError(t, SendFD(fds[0], payload))

	received, err := RecvFD(fds[1], "received-payload")
	require.NoError(t, err)
	defer received.Close()

	data, err := io.ReadAll(received)
	require.NoError(t, err)
	assert.Equal(t, "putty.exe contents", string(data))
}

func TestRecvFDRejectsNonControlMessage(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	_, err = unix.Write(fds[0], []byte{0})
	require.NoError(t, err)

	_, err = RecvFD(fds[1], "nothing")
	assert.Error(t, err)
}
