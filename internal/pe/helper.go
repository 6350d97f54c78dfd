// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"encoding/binary"
)

// Max returns the larger of x or y.
func Max(x, y uint32) uint32 {
	if x < y {
		return y
	}
	return x
}

// Min returns the smallest value in a slice.
func Min(values []uint32) uint32 {
	min := values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
	}
	return min
}

// getSectionByRva returns the section containing the given address.
func (pe *File) getSectionByRva(rva uint32) *Section {
	for i, section := range pe.Sections {
		if section.Contains(rva, pe) {
			return &pe.Sections[i]
		}
	}
	return nil
}

func (pe *File) getSectionByOffset(offset uint32) *Section {
	for i, section := range pe.Sections {
		if section.Header.PointerToRawData == 0 {
			continue
		}
		adjustedPointer := pe.adjustFileAlignment(section.Header.PointerToRawData)
		if adjustedPointer <= offset && offset < (adjustedPointer+section.Header.SizeOfRawData) {
			return &pe.Sections[i]
		}
	}
	return nil
}

// GetOffsetFromRva returns the file offset corresponding to this RVA.
func (pe *File) GetOffsetFromRva(rva uint32) uint32 {
	section := pe.getSectionByRva(rva)
	if section == nil {
		if rva < uint32(len(pe.data)) {
			return rva
		}
		return ^uint32(0)
	}
	sectionAlignment := pe.adjustSectionAlignment(section.Header.VirtualAddress)
	fileAlignment := pe.adjustFileAlignment(section.Header.PointerToRawData)
	return rva - sectionAlignment + fileAlignment
}

// adjustFileAlignment rounds PointerToRawData to the file alignment factor.
func (pe *File) adjustFileAlignment(va uint32) uint32 {
	var fileAlignment uint32
	switch pe.Is64 {
	case true:
		fileAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).FileAlignment
	case false:
		fileAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).FileAlignment
	}

	if fileAlignment < FileAlignmentHardcodedValue {
		return va
	}
	return (va / 0x200) * 0x200
}

// adjustSectionAlignment rounds a VirtualAddress to the section alignment.
func (pe *File) adjustSectionAlignment(va uint32) uint32 {
	var fileAlignment, sectionAlignment uint32

	switch pe.Is64 {
	case true:
		fileAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).FileAlignment
		sectionAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).SectionAlignment
	case false:
		fileAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).FileAlignment
		sectionAlignment = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).SectionAlignment
	}

	if sectionAlignment < 0x1000 {
		sectionAlignment = fileAlignment
	}

	if sectionAlignment != 0 && va%sectionAlignment != 0 {
		return sectionAlignment * (va / sectionAlignment)
	}
	return va
}

// IsDLL returns true if the PE file is a standard DLL.
func (pe *File) IsDLL() bool {
	return pe.NtHeader.FileHeader.Characteristics&ImageFileDLL != 0
}

// IsEXE returns true if the PE file is a standard executable.
func (pe *File) IsEXE() bool {
	if pe.IsDLL() {
		return false
	}
	return pe.NtHeader.FileHeader.Characteristics&ImageFileExecutableImage != 0
}

// IsEFI returns true if the subsystem identifies a UEFI application or
// driver, the class of image this signer actually targets.
func (pe *File) IsEFI() bool {
	var subsystem ImageOptionalHeaderSubsystemType
	switch pe.Is64 {
	case true:
		subsystem = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64).Subsystem
	case false:
		subsystem = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32).Subsystem
	}
	switch subsystem {
	case ImageSubsystemEFIApplication, ImageSubsystemEFIBootServiceDriver,
		ImageSubsystemEFIRuntimeDriver, ImageSubsystemEFIRom:
		return true
	}
	return false
}

// ReadUint64 reads a little-endian uint64 at offset.
func (pe *File) ReadUint64(offset uint32) (uint64, error) {
	if offset+8 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint64(pe.data[offset:]), nil
}

// ReadUint32 reads a little-endian uint32 at offset.
func (pe *File) ReadUint32(offset uint32) (uint32, error) {
	if offset > pe.size-4 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(pe.data[offset:]), nil
}

// ReadUint16 reads a little-endian uint16 at offset.
func (pe *File) ReadUint16(offset uint32) (uint16, error) {
	if offset > pe.size-2 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(pe.data[offset:]), nil
}

// ReadUint8 reads a single byte at offset.
func (pe *File) ReadUint8(offset uint32) (uint8, error) {
	if offset+1 > pe.size {
		return 0, ErrOutsideBoundary
	}
	return pe.data[offset], nil
}

func (pe *File) structUnpack(iface interface{}, offset, size uint32) error {
	totalSize := offset + size

	// Integer overflow.
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}

	if offset >= pe.size || totalSize > pe.size {
		return ErrOutsideBoundary
	}

	buf := bytes.NewReader(pe.data[offset : offset+size])
	return binary.Read(buf, binary.LittleEndian, iface)
}

// ReadBytesAtOffset returns a byte slice from offset, bounds-checked
// against the mapped image.
func (pe *File) ReadBytesAtOffset(offset, size uint32) ([]byte, error) {
	totalSize := offset + size

	if (totalSize > offset) != (size > 0) {
		return nil, ErrOutsideBoundary
	}

	if offset >= pe.size || totalSize > pe.size {
		return nil, ErrOutsideBoundary
	}

	return pe.data[offset : offset+size], nil
}

// IsBitSet returns true when a bit on a particular position is set.
func IsBitSet(n uint64, pos int) bool {
	return n&(1<<pos) > 0
}
