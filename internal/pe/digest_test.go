// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"crypto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeDigestsIsDeterministic(t *testing.T) {
	buf := buildMinimalPE(t)
	f1 := parseMinimalPE(t, buf)
	defer f1.Close()
	f2 := parseMinimalPE(t, buf)
	defer f2.Close()

	d1, err := f1.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)
	d2, err := f2.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	assert.Equal(t, d1[crypto.SHA256], d2[crypto.SHA256])
	assert.Len(t, d1[crypto.SHA256], crypto.SHA256.Size())
}

func TestComputeDigestsMultiAlgInOnePass(t *testing.T) {
	f := parseMinimalPE(t, buildMinimalPE(t))
	defer f.Close()

	digests, err := f.ComputeDigests(crypto.SHA1, crypto.SHA256)
	require.NoError(t, err)

	assert.Len(t, digests[crypto.SHA1], crypto.SHA1.Size())
	assert.Len(t, digests[crypto.SHA256], crypto.SHA256.Size())
	assert.NotEqual(t, digests[crypto.SHA1], digests[crypto.SHA256][:crypto.SHA1.Size()])
}

func TestDigestChangesWhenCodeChanges(t *testing.T) {
	buf := buildMinimalPE(t)
	f1 := parseMinimalPE(t, buf)
	defer f1.Close()
	d1, err := f1.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	mutated := append([]byte(nil), buf...)
	mutated[len(mutated)-1] ^= 0xFF
	f2 := parseMinimalPE(t, mutated)
	defer f2.Close()
	d2, err := f2.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	assert.NotEqual(t, d1[crypto.SHA256], d2[crypto.SHA256])
}
