// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import "errors"

const (
	// TinyPESize is the smallest PE executable observed in the wild (on
	// Windows XP 32-bit).
	TinyPESize = 97

	// FileAlignmentHardcodedValue is the value PointerToRawData should be at
	// least equal or bigger to, or it gets rounded to zero.
	FileAlignmentHardcodedValue = 0x200
)

// Sentinel errors returned while walking the PE/COFF headers.
var (
	ErrInvalidPESize                      = errors.New("not a PE file, smaller than tiny PE")
	ErrDOSMagicNotFound                   = errors.New("DOS header magic not found")
	ErrInvalidElfanewValue                = errors.New("invalid e_lfanew value, probably not a PE file")
	ErrInvalidNtHeaderOffset              = errors.New("invalid NT header offset, NT header signature not found")
	ErrImageOS2SignatureFound             = errors.New("not a valid PE signature, probably a NE file")
	ErrImageOS2LESignatureFound           = errors.New("not a valid PE signature, probably an LE file")
	ErrImageVXDSignatureFound             = errors.New("not a valid PE signature, probably an LX file")
	ErrImageTESignatureFound              = errors.New("not a valid PE signature, probably a TE file")
	ErrImageNtSignatureNotFound           = errors.New("not a valid PE signature, magic not found")
	ErrImageNtOptionalHeaderMagicNotFound = errors.New("not a valid PE signature, optional header magic not found")
	ErrImageBaseNotAligned                = errors.New("corrupt PE file, image base not aligned to 64K")
	ErrInvalidSectionFileAlignment        = errors.New("corrupt PE file, section alignment is less than a page size and section alignment != file alignment")
	ErrOutsideBoundary                    = errors.New("reading data outside boundary")
	ErrSecurityDataDirInvalid             = errors.New("invalid certificate header in security directory")
	ErrNoCertificateTable                 = errors.New("image has no certificate table entry")
	ErrCertTableNotLast                   = errors.New("certificate table is not the last element of the file, cannot extend it")
)

// Anomaly notes recorded while parsing a malformed-but-tolerated header.
const (
	AnoPEHeaderOverlapDOSHeader = "NT header overlaps DOS header"
	AnoReservedDataDirectoryEntry = "reserved data directory entry is not zero"
	AnoImageBaseOverflow        = "image base beyond allowed address"
	AnoDansSigNotFound          = "Rich header found, but could not locate DanS signature"
	AnoDanSMagicOffset          = "DanS signature found at an unusual offset"
	AnoPaddingDwordNotZero      = "Rich header found: 3 leading padding DWORDs not found after DanS signature"
)
