// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// RelRange is a byte range given as a start offset and a length.
type RelRange struct {
	Start  uint32
	Length uint32
}

type byStart []RelRange

func (s byStart) Len() int      { return len(s) }
func (s byStart) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byStart) Less(i, j int) bool {
	return s[i].Start < s[j].Start
}

// Range is an absolute [Start, End) byte range in the image.
type Range struct {
	Start uint32
	End   uint32
}

// HashableRanges computes the set of file byte ranges the Authenticode
// digest is taken over: everything except the checksum field, the
// certificate table's data directory entry, and the certificate table
// itself. This is the same computation the Windows loader performs when
// verifying a signed image, and the same one an attached signer must
// reproduce exactly when producing one.
func (pe *File) HashableRanges() ([]Range, error) {
	excluded, err := pe.excludedRanges()
	if err != nil {
		return nil, err
	}

	locationSlice := make([]RelRange, 0, len(excluded))
	for _, v := range excluded {
		locationSlice = append(locationSlice, *v)
	}
	sort.Sort(byStart(locationSlice))

	ranges := make([]Range, 0, len(locationSlice)+1)
	start := uint32(0)
	for _, r := range locationSlice {
		ranges = append(ranges, Range{Start: start, End: r.Start})
		start = r.Start + r.Length
	}
	ranges = append(ranges, Range{Start: start, End: pe.size})

	return ranges, nil
}

// excludedRanges locates the checksum field, the certificate table's data
// directory entry and, if present, the certificate table itself.
func (pe *File) excludedRanges() (map[string]*RelRange, error) {
	location := make(map[string]*RelRange, 3)

	fileHdrSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + fileHdrSize

	var (
		oh32               ImageOptionalHeader32
		oh64               ImageOptionalHeader64
		optionalHeaderSize uint32
	)

	switch pe.Is64 {
	case true:
		oh64 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		optionalHeaderSize = oh64.SizeOfHeaders
	case false:
		oh32 = pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		optionalHeaderSize = oh32.SizeOfHeaders
	}

	if optionalHeaderSize > pe.size-optionalHeaderOffset {
		return nil, fmt.Errorf("the optional header exceeds the file length (%d + %d > %d)",
			optionalHeaderSize, optionalHeaderOffset, pe.size)
	}

	if optionalHeaderSize < 68 {
		return nil, fmt.Errorf("the optional header size is %d < 68, insufficient for authenticode",
			optionalHeaderSize)
	}

	location["checksum"] = &RelRange{optionalHeaderOffset + 64, 4}

	var rvaBase, certBase, numberOfRvaAndSizes uint32
	switch pe.Is64 {
	case true:
		rvaBase = optionalHeaderOffset + 108
		certBase = optionalHeaderOffset + 144
		numberOfRvaAndSizes = oh64.NumberOfRvaAndSizes
	case false:
		rvaBase = optionalHeaderOffset + 92
		certBase = optionalHeaderOffset + 128
		numberOfRvaAndSizes = oh32.NumberOfRvaAndSizes
	}

	if optionalHeaderOffset+optionalHeaderSize < rvaBase+4 {
		return location, nil
	}

	if numberOfRvaAndSizes < 5 {
		return location, nil
	}

	if optionalHeaderOffset+optionalHeaderSize < certBase+8 {
		return location, nil
	}

	location["datadir_certtable"] = &RelRange{certBase, 8}

	rva, size, _ := pe.CertTableDirectory()
	if size == 0 {
		return location, nil
	}

	if int64(rva) < int64(optionalHeaderSize)+int64(optionalHeaderOffset) ||
		int64(rva)+int64(size) > int64(pe.size) {
		return location, nil
	}

	location["certtable"] = &RelRange{rva, size}
	return location, nil
}
