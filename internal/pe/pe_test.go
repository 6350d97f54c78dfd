// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMinimalPE(t *testing.T) {
	f := parseMinimalPE(t, buildMinimalPE(t))
	defer f.Close()

	assert.True(t, f.HasDOSHdr)
	assert.True(t, f.HasNTHdr)
	assert.True(t, f.HasSections)
	assert.True(t, f.Is32)
	assert.False(t, f.Is64)
	assert.Equal(t, uint32(ImageNTSignature), f.NtHeader.Signature)
	require.Len(t, f.Sections, 1)
	assert.Equal(t, ".text", f.Sections[0].String())
}

func TestParseRejectsBadMagic(t *testing.T) {
	buf := buildMinimalPE(t)
	buf[0] = 'X'

	f, err := NewBytes(buf, &Options{})
	require.NoError(t, err)
	err = f.ParseDOSHeader()
	assert.ErrorIs(t, err, ErrDOSMagicNotFound)
}

func TestIsEXE(t *testing.T) {
	f := parseMinimalPE(t, buildMinimalPE(t))
	defer f.Close()
	assert.True(t, f.IsEXE())
	assert.False(t, f.IsDLL())
}
