// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

const (
	// DansSignature ('DanS' as dword) is where the rich header struct starts.
	DansSignature = 0x536E6144

	// RichSignature ('Rich') is where the rich header struct ends.
	RichSignature = "Rich"
)

// CompID represents the `@comp.id` structure: one linker/compiler tool
// that contributed to the build, and how many times it was invoked.
type CompID struct {
	MinorCV  uint16 `json:"minor_compiler_version"`
	ProdID   uint16 `json:"product_id"`
	Count    uint32 `json:"count"`
	Unmasked uint32 `json:"unmasked"`
}

// RichHeader is written right after the MZ DOS header by MSVC linkers. It
// is encrypted with a XOR key derived from a checksum of the surrounding
// bytes; nothing about Authenticode depends on it, but its presence (or
// absence, or tampering) is a useful build-provenance signal when
// inspecting an image before signing it.
type RichHeader struct {
	XORKey     uint32   `json:"xor_key"`
	CompIDs    []CompID `json:"comp_ids"`
	DansOffset int      `json:"dans_offset"`
	Raw        []byte   `json:"raw"`
}

// ParseRichHeader parses the rich header struct, if present.
func (pe *File) ParseRichHeader() error {
	rh := RichHeader{}
	ntHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader
	richSigOffset := bytes.Index(pe.data[:ntHeaderOffset], []byte(RichSignature))

	// .NET images, for example, do not go through the MSVC linker and have
	// no detectable Rich header.
	if richSigOffset < 0 {
		return nil
	}

	rh.XORKey = binary.LittleEndian.Uint32(pe.data[richSigOffset+4:])

	// Starting at the DWORD just prior to "Rich", XOR backwards 4 bytes at
	// a time until the "DanS" magic decrypts out.
	var decRichHeader []uint32
	dansSigOffset := -1
	estimatedBeginDans := richSigOffset - 4 - binary.Size(ImageDOSHeader{})
	for it := 0; it < estimatedBeginDans; it += 4 {
		buff := binary.LittleEndian.Uint32(pe.data[richSigOffset-4-it:])
		res := buff ^ rh.XORKey
		if res == DansSignature {
			dansSigOffset = richSigOffset - it - 4
			break
		}
		decRichHeader = append(decRichHeader, res)
	}

	if dansSigOffset == -1 {
		pe.Anomalies = append(pe.Anomalies, AnoDansSigNotFound)
		return nil
	}

	if dansSigOffset != 0x80 {
		pe.Anomalies = append(pe.Anomalies, AnoDanSMagicOffset)
	}

	rh.DansOffset = dansSigOffset
	rh.Raw = pe.data[dansSigOffset : richSigOffset+8]

	for i, j := 0, len(decRichHeader)-1; i < j; i, j = i+1, j-1 {
		decRichHeader[i], decRichHeader[j] = decRichHeader[j], decRichHeader[i]
	}

	// After "DanS" there are 3 zero-padded DWORDs aligning entries to a
	// 16-byte boundary; skip them.
	if len(decRichHeader) < 3 || decRichHeader[0] != 0 || decRichHeader[1] != 0 || decRichHeader[2] != 0 {
		pe.Anomalies = append(pe.Anomalies, AnoPaddingDwordNotZero)
	}

	var lenCompIDs int
	if (len(decRichHeader)-3)%2 != 0 {
		lenCompIDs = len(decRichHeader) - 1
	} else {
		lenCompIDs = len(decRichHeader)
	}

	for i := 3; i < lenCompIDs; i += 2 {
		cid := CompID{}
		compid := make([]byte, binary.Size(cid))
		binary.LittleEndian.PutUint32(compid, decRichHeader[i])
		binary.LittleEndian.PutUint32(compid[4:], decRichHeader[i+1])
		buf := bytes.NewReader(compid)
		if err := binary.Read(buf, binary.LittleEndian, &cid); err != nil {
			return err
		}
		cid.Unmasked = binary.LittleEndian.Uint32(compid)
		rh.CompIDs = append(rh.CompIDs, cid)
	}

	pe.RichHeader = rh
	pe.HasRichHdr = true

	if checksum := pe.RichHeaderChecksum(); checksum != rh.XORKey {
		pe.Anomalies = append(pe.Anomalies, "invalid rich header checksum")
	}

	return nil
}

// RichHeaderChecksum recomputes the Rich header XOR key from the DOS
// header bytes and the decoded CompID entries.
func (pe *File) RichHeaderChecksum() uint32 {
	checksum := uint32(pe.RichHeader.DansOffset)

	for i := 0; i < pe.RichHeader.DansOffset; i++ {
		// Skip over the e_lfanew field.
		if i >= 0x3C && i < 0x40 {
			continue
		}
		b := uint32(pe.data[i])
		checksum += (b << (i % 32)) | (b>>(32-(i%32)))&0xff
		checksum &= 0xFFFFFFFF
	}

	for _, compid := range pe.RichHeader.CompIDs {
		checksum += compid.Unmasked<<(compid.Count%32) | compid.Unmasked>>(32-(compid.Count%32))
		checksum &= 0xFFFFFFFF
	}

	return checksum
}

// RichHeaderHash returns the MD5 of the decrypted Rich header bytes, a
// stable fingerprint of the toolchain that produced the image.
func (pe *File) RichHeaderHash() string {
	if !pe.HasRichHdr {
		return ""
	}

	richIndex := bytes.Index(pe.RichHeader.Raw, []byte(RichSignature))
	if richIndex == -1 {
		return ""
	}

	key := make([]byte, 4)
	binary.LittleEndian.PutUint32(key, pe.RichHeader.XORKey)

	rawData := pe.RichHeader.Raw[:richIndex]
	clearData := make([]byte, len(rawData))
	for idx, val := range rawData {
		clearData[idx] = val ^ key[idx%len(key)]
	}
	return fmt.Sprintf("%x", md5.Sum(clearData))
}
