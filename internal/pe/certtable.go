// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"reflect"
	"time"

	mmap "github.com/edsrzf/mmap-go"
	"go.mozilla.org/pkcs7"
)

// WIN_CERTIFICATE revision values.
const (
	WinCertRevision1_0 = 0x0100
	WinCertRevision2_0 = 0x0200
)

// WIN_CERTIFICATE certificate type values.
const (
	WinCertTypeX509           = 0x0001
	WinCertTypePKCSSignedData = 0x0002
	WinCertTypeReserved1      = 0x0003
	WinCertTypeTSStackSigned  = 0x0004
)

// Certificate is the parsed content of the image's certificate directory:
// the WIN_CERTIFICATE wrapper plus the PKCS#7 SignedData it carries. Full
// Authenticode digest verification (comparing the embedded message digest
// against a freshly computed Authentihash) lives in the authenticode
// package, which imports this one for layout and digest computation.
type Certificate struct {
	Header   WinCertificate `json:"header"`
	Content  pkcs7.PKCS7    `json:"-"`
	Raw      []byte         `json:"-"`
	Info     CertInfo       `json:"info"`
	Verified bool           `json:"verified"`
}

// WinCertificate is the WIN_CERTIFICATE structure that wraps every entry
// of the certificate table.
type WinCertificate struct {
	Length          uint32 `json:"length"`
	Revision        uint16 `json:"revision"`
	CertificateType uint16 `json:"certificate_type"`
}

// CertInfo summarizes the signer's leaf certificate.
type CertInfo struct {
	Issuer             string                   `json:"issuer"`
	Subject            string                   `json:"subject"`
	NotBefore          time.Time                `json:"not_before"`
	NotAfter           time.Time                `json:"not_after"`
	SerialNumber       string                   `json:"serial_number"`
	SignatureAlgorithm x509.SignatureAlgorithm  `json:"signature_algorithm"`
	PublicKeyAlgorithm x509.PublicKeyAlgorithm  `json:"public_key_algorithm"`
}

// parseSecurityDirectory walks the certificate table. PE files can carry
// more than one WIN_CERTIFICATE entry (dual signing, e.g. SHA-1 and
// SHA-256 signatures side by side); this signer keeps the last entry,
// since that is also the one a new attached signature gets appended
// after. An entry whose PKCS#7 content fails to parse stops the walk: it
// is kept unparsed and the parse error is returned.
func (pe *File) parseSecurityDirectory(rva, size uint32) error {
	certHeader := WinCertificate{}
	certSize := uint32(binary.Size(certHeader))
	fileOffset := rva
	var certContent []byte
	var pkcsData *pkcs7.PKCS7
	var certInfo CertInfo
	var certValid bool

	for {
		if err := pe.structUnpack(&certHeader, fileOffset, certSize); err != nil {
			return ErrOutsideBoundary
		}

		if fileOffset+certHeader.Length > pe.size {
			return ErrOutsideBoundary
		}

		if certHeader.Length == 0 {
			return ErrSecurityDataDirInvalid
		}

		certContent = pe.data[fileOffset+certSize : fileOffset+certHeader.Length]
		var err error
		pkcsData, err = pkcs7.Parse(certContent)
		if err != nil {
			pe.Certificates = Certificate{Header: certHeader, Raw: certContent}
			pe.HasCertificate = true
			return err
		}

		certInfo = extractCertInfo(pkcsData)
		pe.IsSigned = true

		if !pe.opts.DisableCertValidation {
			if pool, err := x509.SystemCertPool(); err == nil {
				certValid = pkcsData.VerifyWithChain(pool) == nil
			}
		}

		nextOffset := certHeader.Length + fileOffset
		nextOffset = ((nextOffset + 8 - 1) / 8) * 8

		if nextOffset >= rva+size {
			break
		}
		fileOffset = nextOffset
	}

	pe.Certificates = Certificate{
		Header:   certHeader,
		Content:  *pkcsData,
		Raw:      certContent,
		Info:     certInfo,
		Verified: certValid,
	}
	pe.HasCertificate = true
	return nil
}

func extractCertInfo(pkcsData *pkcs7.PKCS7) CertInfo {
	var certInfo CertInfo
	if len(pkcsData.Signers) == 0 {
		return certInfo
	}
	serialNumber := pkcsData.Signers[0].IssuerAndSerialNumber.SerialNumber
	for _, cert := range pkcsData.Certificates {
		if !reflect.DeepEqual(cert.SerialNumber, serialNumber) {
			continue
		}

		certInfo.SerialNumber = hex.EncodeToString(cert.SerialNumber.Bytes())
		certInfo.PublicKeyAlgorithm = cert.PublicKeyAlgorithm
		certInfo.SignatureAlgorithm = cert.SignatureAlgorithm
		certInfo.NotAfter = cert.NotAfter
		certInfo.NotBefore = cert.NotBefore

		if len(cert.Issuer.Country) > 0 {
			certInfo.Issuer = cert.Issuer.Country[0]
		}
		if len(cert.Issuer.Province) > 0 {
			certInfo.Issuer += ", " + cert.Issuer.Province[0]
		}
		if len(cert.Issuer.Locality) > 0 {
			certInfo.Issuer += ", " + cert.Issuer.Locality[0]
		}
		certInfo.Issuer += ", " + cert.Issuer.CommonName

		if len(cert.Subject.Country) > 0 {
			certInfo.Subject = cert.Subject.Country[0]
		}
		if len(cert.Subject.Province) > 0 {
			certInfo.Subject += ", " + cert.Subject.Province[0]
		}
		if len(cert.Subject.Locality) > 0 {
			certInfo.Subject += ", " + cert.Subject.Locality[0]
		}
		if len(cert.Subject.Organization) > 0 {
			certInfo.Subject += ", " + cert.Subject.Organization[0]
		}
		certInfo.Subject += ", " + cert.Subject.CommonName
		break
	}
	return certInfo
}

// CertTableDirectory returns the RVA and size of the certificate table
// data directory entry, and its own byte offset within the optional
// header (needed to patch it after appending a new signature).
func (pe *File) CertTableDirectory() (rva, size, entryOffset uint32) {
	fileHdrSize := uint32(binary.Size(pe.NtHeader.FileHeader))
	optionalHeaderOffset := pe.DOSHeader.AddressOfNewEXEHeader + 4 + fileHdrSize

	switch pe.Is64 {
	case true:
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader64)
		entry := oh.DataDirectory[ImageDirectoryEntryCertificate]
		return entry.VirtualAddress, entry.Size, optionalHeaderOffset + 144
	default:
		oh := pe.NtHeader.OptionalHeader.(ImageOptionalHeader32)
		entry := oh.DataDirectory[ImageDirectoryEntryCertificate]
		return entry.VirtualAddress, entry.Size, optionalHeaderOffset + 128
	}
}

// AppendCertificate appends a new WIN_CERTIFICATE entry (an already
// DER-encoded PKCS#7 SignedData blob) to the end of the file and rewrites
// the certificate table data directory entry to point at it. The file
// must have been opened with Options.Writable. Existing entries, if any,
// are left untouched: PE images may be multiply signed.
func (pe *File) AppendCertificate(pkcs7Der []byte) error {
	if pe.f == nil {
		return ErrOutsideBoundary
	}

	wrapped := make([]byte, 8+len(pkcs7Der))
	binary.LittleEndian.PutUint16(wrapped[4:6], WinCertRevision2_0)
	binary.LittleEndian.PutUint16(wrapped[6:8], WinCertTypePKCSSignedData)
	copy(wrapped[8:], pkcs7Der)

	// 8-byte align the new entry, per the WIN_CERTIFICATE table layout,
	// before dwLength is stamped so the length covers the padding too.
	for len(wrapped)%8 != 0 {
		wrapped = append(wrapped, 0)
	}
	binary.LittleEndian.PutUint32(wrapped[0:4], uint32(len(wrapped)))

	existingRVA, existingSize, entryOffset := pe.CertTableDirectory()
	appendAt := pe.size
	if existingRVA != 0 && existingSize != 0 {
		appendAt = existingRVA + existingSize
		if appendAt != pe.size {
			return ErrCertTableNotLast
		}
	}

	newTotalSize := existingSize + uint32(len(wrapped))

	if err := pe.f.Truncate(int64(appendAt) + int64(len(wrapped))); err != nil {
		return err
	}
	if err := pe.remap(); err != nil {
		return err
	}

	copy(pe.data[appendAt:], wrapped)
	binary.LittleEndian.PutUint32(pe.data[entryOffset:], appendAt)
	binary.LittleEndian.PutUint32(pe.data[entryOffset+4:], newTotalSize)

	// Keep the parsed header in step with the bytes just written, so
	// CertTableDirectory and HashableRanges see the new table.
	entry := DataDirectory{VirtualAddress: appendAt, Size: newTotalSize}
	switch oh := pe.NtHeader.OptionalHeader.(type) {
	case ImageOptionalHeader64:
		oh.DataDirectory[ImageDirectoryEntryCertificate] = entry
		pe.NtHeader.OptionalHeader = oh
	case ImageOptionalHeader32:
		oh.DataDirectory[ImageDirectoryEntryCertificate] = entry
		pe.NtHeader.OptionalHeader = oh
	}

	return pe.data.Flush()
}

// remap re-maps the backing file after its size has changed underneath
// the existing mapping.
func (pe *File) remap() error {
	if err := pe.data.Unmap(); err != nil {
		return err
	}
	data, err := mmap.Map(pe.f, mmap.RDWR, 0)
	if err != nil {
		return err
	}
	pe.data = data
	pe.size = uint32(len(data))
	return nil
}
