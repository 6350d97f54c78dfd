// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, CmdSignDetached, 42))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, h.Version)
	assert.Equal(t, CmdSignDetached, h.Command)
	assert.Equal(t, uint32(42), h.Size)
}

func TestReadHeaderRejectsBadVersion(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[0] = 0xFF
	_, err := ReadHeader(bytes.NewReader(buf))
	assert.ErrorIs(t, err, ErrBadVersion)
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "softhsm2-token"))

	s, err := ReadString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "softhsm2-token", s)
}

func TestStringRoundTripEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, ""))

	s, err := ReadString(&buf)
	require.NoError(t, err)
	assert.Equal(t, "", s)
}

func TestReadStringRejectsMissingNUL(t *testing.T) {
	// Size prefix of 1 but the single byte is not NUL.
	sizeAndBody := []byte{1, 0, 0, 0, 'x'}
	_, err := ReadString(bytes.NewReader(sizeAndBody))
	assert.ErrorIs(t, err, ErrMalformedString)
}

func TestReadStringRejectsZeroLength(t *testing.T) {
	sizeOnly := []byte{0, 0, 0, 0}
	_, err := ReadString(bytes.NewReader(sizeOnly))
	assert.ErrorIs(t, err, ErrMalformedString)
}

func TestStringSizeMatchesWrittenLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteString(&buf, "nickname"))
	assert.EqualValues(t, StringSize("nickname"), buf.Len())
}

func TestWriteResponseWithError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, -1, "token not found"))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, CmdResponse, h.Command)

	body, err := ReadBody(&buf, h.Size)
	require.NoError(t, err)
	require.Len(t, body, int(h.Size))
	assert.Equal(t, "token not found\x00", string(body[4:]))
}

func TestWriteResponseWithoutError(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteResponse(&buf, 0, ""))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), h.Size)
}

func TestCommandVersionKnownAndUnknown(t *testing.T) {
	assert.Equal(t, int32(0), CommandVersion(CmdSignAttached))
	assert.Equal(t, int32(-1), CommandVersion(Command(999)))
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "SIGN_ATTACHED", CmdSignAttached.String())
	assert.Contains(t, Command(999).String(), "Command(999)")
}
