// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
	"testing"
)

const (
	testFileAlignment    = 0x200
	testSectionAlignment = 0x1000
	testImageBase        = 0x00400000
)

func alignUp(v, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return (v/align + 1) * align
}

func writeAt(t *testing.T, buf []byte, offset uint32, v interface{}) {
	t.Helper()
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		t.Fatalf("writeAt: %v", err)
	}
	n := copy(buf[offset:], b.Bytes())
	if n != b.Len() {
		t.Fatalf("writeAt: buffer too small at offset %d", offset)
	}
}

// buildMinimalPE assembles a minimal valid 32-bit PE image in memory: a
// DOS header, an NT header with one data directory slot free for a
// certificate table, and a single executable section, so layout/digest
// tests exercise the real header-walking code instead of a checked-in
// binary fixture.
func buildMinimalPE(t *testing.T) []byte {
	t.Helper()

	const ntHeaderOffset = 0x80
	optHeaderSize := uint32(binary.Size(ImageOptionalHeader32{}))
	sectionTableOffset := ntHeaderOffset + 4 + uint32(binary.Size(ImageFileHeader{})) + optHeaderSize
	headersEnd := sectionTableOffset + uint32(binary.Size(ImageSectionHeader{}))
	sizeOfHeaders := alignUp(headersEnd, testFileAlignment)

	sectionRawOffset := sizeOfHeaders
	sectionRawSize := uint32(testFileAlignment)
	fileSize := sectionRawOffset + sectionRawSize

	buf := make([]byte, fileSize)

	dos := ImageDOSHeader{
		Magic:                 ImageDOSSignature,
		AddressOfNewEXEHeader: ntHeaderOffset,
	}
	writeAt(t, buf, 0, dos)

	writeAt(t, buf, ntHeaderOffset, uint32(ImageNTSignature))

	fileHeader := ImageFileHeader{
		Machine:              ImageFileHeaderMachineType(ImageFileMachineI386),
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics:      ImageFileHeaderCharacteristicsType(ImageFileExecutableImage | ImageFile32BitMachine),
	}
	writeAt(t, buf, ntHeaderOffset+4, fileHeader)

	var dataDirs [16]DataDirectory
	optHeader := ImageOptionalHeader32{
		Magic:               ImageNtOptionalHeader32Magic,
		ImageBase:           testImageBase,
		SectionAlignment:    testSectionAlignment,
		FileAlignment:       testFileAlignment,
		SizeOfHeaders:       sizeOfHeaders,
		SizeOfImage:         alignUp(testSectionAlignment+sectionRawSize, testSectionAlignment),
		AddressOfEntryPoint: testSectionAlignment,
		BaseOfCode:          testSectionAlignment,
		Subsystem:           ImageOptionalHeaderSubsystemType(ImageSubsystemWindowsCUI),
		NumberOfRvaAndSizes: 16,
		DataDirectory:       dataDirs,
	}
	optHeaderOffset := ntHeaderOffset + 4 + uint32(binary.Size(ImageFileHeader{}))
	writeAt(t, buf, optHeaderOffset, optHeader)

	var name [8]byte
	copy(name[:], ".text")
	section := ImageSectionHeader{
		Name:             name,
		VirtualSize:      sectionRawSize,
		VirtualAddress:   testSectionAlignment,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: sectionRawOffset,
		Characteristics:  ImageScnCntCode | ImageScnMemExecute | ImageScnMemRead,
	}
	writeAt(t, buf, sectionTableOffset, section)

	for i := uint32(0); i < sectionRawSize; i++ {
		buf[sectionRawOffset+i] = byte(i * 7)
	}

	return buf
}

func parseMinimalPE(t *testing.T, buf []byte) *File {
	t.Helper()
	f, err := NewBytes(buf, &Options{})
	if err != nil {
		t.Fatalf("NewBytes: %v", err)
	}
	if err := f.Parse(); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return f
}
