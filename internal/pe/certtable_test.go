// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"crypto"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempPE(t *testing.T, buf []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, buf, 0644))
	return path
}

func TestAppendCertificateLeavesDigestUnchanged(t *testing.T) {
	path := writeTempPE(t, buildMinimalPE(t))

	f, err := New(path, &Options{Writable: true})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Parse())

	before, err := f.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	require.NoError(t, f.AppendCertificate([]byte("fake-pkcs7-der-blob")))

	after, err := f.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	require.Equal(t, before[crypto.SHA256], after[crypto.SHA256],
		"appending a certificate table entry must not change the Authenticode digest")

	rva, size, _ := f.CertTableDirectory()
	require.NotZero(t, rva)
	require.NotZero(t, size)
	require.Zero(t, size%8, "WIN_CERTIFICATE table size must be 8-byte aligned")

	dwLength := leUint32(f.data[rva : rva+4])
	require.Equal(t, size, dwLength, "dwLength must cover the padded entry, not just the unpadded payload")
	require.Zero(t, dwLength%8, "dwLength must be a multiple of 8")
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func TestAppendCertificateRejectsNonTrailingTable(t *testing.T) {
	path := writeTempPE(t, buildMinimalPE(t))

	f, err := New(path, &Options{Writable: true})
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, f.Parse())

	require.NoError(t, f.AppendCertificate([]byte("first-signature")))

	// Simulate something having been appended after the certificate table
	// (e.g. an overlay) by truncating the backing file out from under it
	// without updating the data directory: the next append must detect
	// the mismatch rather than silently corrupting the table.
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, f.f.Truncate(stat.Size()+16))
	require.NoError(t, f.remap())

	err = f.AppendCertificate([]byte("second-signature"))
	require.ErrorIs(t, err, ErrCertTableNotLast)
}
