// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/saferwall/pesignd/internal/pe"
)

// genTestIdentity builds a throwaway self-signed RSA signing identity,
// standing in for a PKCS#11 token's certificate and private key.
func genTestIdentity(t *testing.T) (Identity, *rsa.PrivateKey) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "pesignd test signer"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	identity := Identity{
		Certificate: cert,
		Sign: func(alg crypto.Hash, digest []byte) ([]byte, error) {
			return rsa.SignPKCS1v15(rand.Reader, key, alg, digest)
		},
	}
	return identity, key
}

// buildMinimalPEFile writes a minimal valid 32-bit PE image to a temp file
// and returns it opened writable, mirroring internal/pe's own in-test
// fixture builder since the fixture lives in a different package.
func buildMinimalPEFile(t *testing.T) *pe.File {
	t.Helper()

	const ntHeaderOffset = 0x80
	fileHeaderSize := uint32(binary.Size(pe.ImageFileHeader{}))
	optHeaderSize := uint32(binary.Size(pe.ImageOptionalHeader32{}))
	sectionHeaderSize := uint32(binary.Size(pe.ImageSectionHeader{}))

	sectionTableOffset := ntHeaderOffset + 4 + fileHeaderSize + optHeaderSize
	headersEnd := sectionTableOffset + sectionHeaderSize
	sizeOfHeaders := alignUp(headersEnd, 0x200)
	sectionRawOffset := sizeOfHeaders
	sectionRawSize := uint32(0x200)
	fileSize := sectionRawOffset + sectionRawSize

	buf := make([]byte, fileSize)

	writeAt(t, buf, 0, pe.ImageDOSHeader{
		Magic:                 pe.ImageDOSSignature,
		AddressOfNewEXEHeader: ntHeaderOffset,
	})
	writeAt(t, buf, ntHeaderOffset, uint32(pe.ImageNTSignature))
	writeAt(t, buf, ntHeaderOffset+4, pe.ImageFileHeader{
		Machine:              pe.ImageFileHeaderMachineType(pe.ImageFileMachineI386),
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(optHeaderSize),
		Characteristics:      pe.ImageFileHeaderCharacteristicsType(pe.ImageFileExecutableImage | pe.ImageFile32BitMachine),
	})

	var dataDirs [16]pe.DataDirectory
	optHeaderOffset := ntHeaderOffset + 4 + fileHeaderSize
	writeAt(t, buf, optHeaderOffset, pe.ImageOptionalHeader32{
		Magic:               pe.ImageNtOptionalHeader32Magic,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfHeaders:       sizeOfHeaders,
		SizeOfImage:         alignUp(0x1000+sectionRawSize, 0x1000),
		AddressOfEntryPoint: 0x1000,
		BaseOfCode:          0x1000,
		Subsystem:           pe.ImageOptionalHeaderSubsystemType(pe.ImageSubsystemWindowsCUI),
		NumberOfRvaAndSizes: 16,
		DataDirectory:       dataDirs,
	})

	var name [8]byte
	copy(name[:], ".text")
	writeAt(t, buf, sectionTableOffset, pe.ImageSectionHeader{
		Name:             name,
		VirtualSize:      sectionRawSize,
		VirtualAddress:   0x1000,
		SizeOfRawData:    sectionRawSize,
		PointerToRawData: sectionRawOffset,
		Characteristics:  pe.ImageScnCntCode | pe.ImageScnMemExecute | pe.ImageScnMemRead,
	})

	for i := uint32(0); i < sectionRawSize; i++ {
		buf[sectionRawOffset+i] = byte(i * 13)
	}

	path := filepath.Join(t.TempDir(), "sample.exe")
	require.NoError(t, os.WriteFile(path, buf, 0644))

	f, err := pe.New(path, &pe.Options{Writable: true})
	require.NoError(t, err)
	require.NoError(t, f.Parse())
	return f
}

func alignUp(v, align uint32) uint32 {
	if v%align == 0 {
		return v
	}
	return (v/align + 1) * align
}

func writeAt(t *testing.T, buf []byte, offset uint32, v interface{}) {
	t.Helper()
	var b bytes.Buffer
	require.NoError(t, binary.Write(&b, binary.LittleEndian, v))
	n := copy(buf[offset:], b.Bytes())
	require.Equal(t, b.Len(), n)
}

func TestSignDetachedRoundTrip(t *testing.T) {
	f := buildMinimalPEFile(t)
	defer f.Close()

	identity, _ := genTestIdentity(t)

	der, err := SignDetached(f, identity, crypto.SHA256)
	require.NoError(t, err)
	require.NotEmpty(t, der)

	require.NoError(t, Verify(f, crypto.SHA256, der))

	digests, err := f.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	msgDigest, err := ExtractMessageDigestAttribute(der)
	require.NoError(t, err)
	require.Equal(t, digests[crypto.SHA256], msgDigest)
}

func TestSignAttachedPreservesDigest(t *testing.T) {
	f := buildMinimalPEFile(t)
	defer f.Close()

	identity, _ := genTestIdentity(t)

	before, err := f.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)

	require.NoError(t, SignAttached(f, identity, crypto.SHA256))

	after, err := f.ComputeDigests(crypto.SHA256)
	require.NoError(t, err)
	require.Equal(t, before[crypto.SHA256], after[crypto.SHA256])

	rva, size, _ := f.CertTableDirectory()
	require.NotZero(t, rva)
	require.NotZero(t, size)
}

func TestSignDetachedRejectsMissingCertificate(t *testing.T) {
	f := buildMinimalPEFile(t)
	defer f.Close()

	identity := Identity{Sign: func(crypto.Hash, []byte) ([]byte, error) { return nil, nil }}
	_, err := SignDetached(f, identity, crypto.SHA256)
	require.ErrorIs(t, err, errNoSignerCert)
}

func TestVerifyDetectsTamperedSignedData(t *testing.T) {
	f := buildMinimalPEFile(t)
	defer f.Close()

	identity, _ := genTestIdentity(t)
	der, err := SignDetached(f, identity, crypto.SHA256)
	require.NoError(t, err)

	mutated := append([]byte(nil), der...)
	mutated[len(mutated)-1] ^= 0xFF
	err = Verify(f, crypto.SHA256, mutated)
	require.Error(t, err)
}
