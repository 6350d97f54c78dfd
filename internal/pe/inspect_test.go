// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInspectReportsBasicMetadata(t *testing.T) {
	f := parseMinimalPE(t, buildMinimalPE(t))
	defer f.Close()

	md := f.Inspect()

	assert.Equal(t, "Intel 386 or later / compatible processors", md.Machine)
	assert.Equal(t, "Windows CUI", md.Subsystem)
	assert.Equal(t, "PE32", md.OptionalHeader)
	assert.Equal(t, uint32(testSectionAlignment), md.EntryPoint)
	assert.False(t, md.IsDLL)
	assert.False(t, md.IsEFI)
	assert.False(t, md.HasRichHeader)
	assert.Empty(t, md.RichHeaderHash)
	assert.False(t, md.IsSigned)
	assert.Empty(t, md.SignerSubject)
	assert.Empty(t, md.SignerIssuer)
	assert.Zero(t, md.OverlaySize)

	if assert.Len(t, md.Sections, 1) {
		sec := md.Sections[0]
		assert.Equal(t, ".text", sec.Name)
		assert.Equal(t, uint32(testSectionAlignment), sec.VirtualAddress)
		assert.Equal(t, uint32(testFileAlignment), sec.SizeOfRawData)
	}
}

func TestInspectReportsOverlay(t *testing.T) {
	buf := buildMinimalPE(t)
	buf = append(buf, make([]byte, 64)...)
	f := parseMinimalPE(t, buf)
	defer f.Close()

	md := f.Inspect()
	assert.Greater(t, md.OverlaySize, int64(0))
}
