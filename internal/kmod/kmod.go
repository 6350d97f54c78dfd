// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package kmod signs flat Linux kernel module images: a single digest
// over the whole file, a PKCS#7 SignedData with absent content, and the
// fixed 40-byte module_signature trailer the kernel's module loader
// expects.
package kmod

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the 28-byte marker appended after the trailer's fixed fields,
// matching what scripts/sign-file in the Linux source tree writes.
const Magic = "~Module signature appended~\n"

// pkeyIDPKCS7 is the module_signature id_type for a PKCS#7 signature, as
// opposed to PKEY_ID_PGP.
const pkeyIDPKCS7 = 0x02

// oidData is the PKCS#7 "data" content type, used with absent content
// for a kernel module's detached-style embedded signature.
var oidData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

// Digest streams r and returns the digest of the whole module image
// under alg. Kernel modules have no certificate table to exclude, so
// unlike the PE Authenticode engine this is a single contiguous range.
func Digest(r io.Reader, alg crypto.Hash) ([]byte, error) {
	h := alg.New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, fmt.Errorf("kmod: digest module: %w", err)
	}
	return h.Sum(nil), nil
}

// Identity mirrors authenticode.Identity: a certificate and a callback
// signing a digest with the private key behind it.
type Identity struct {
	Certificate *x509.Certificate
	Sign        func(alg crypto.Hash, digest []byte) ([]byte, error)
}

// algorithmIdentifier, attribute, issuerAndSerialNumber, signerInfo,
// signedData and contentInfo mirror the authenticode package's ASN.1
// shapes; kmod keeps its own minimal copies rather than importing
// authenticode; kernel-module signing intentionally omits the
// SpcIndirectDataContent wrapper PE signing requires, so most of that
// package's structure would go unused here.
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue
}

func newAlgorithmIdentifier(oid asn1.ObjectIdentifier) algorithmIdentifier {
	return algorithmIdentifier{Algorithm: oid, Parameters: asn1.RawValue{Tag: asn1.TagNull}}
}

type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerialNumberRaw
	DigestAlgorithm           algorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm algorithmIdentifier
	EncryptedDigest           []byte
}

type issuerAndSerialNumberRaw struct {
	Issuer       asn1.RawValue
	SerialNumber asn1.RawValue
}

type encapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	// Content is absent for a kernel module signature: the kernel module
	// loader re-hashes the module itself, so eContent carries nothing.
}

type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	ContentInfo      encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

var oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
var oidAttributeContentType = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
var oidAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
var oidRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
var oidDigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
var oidDigestAlgorithmSHA1 = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}

func digestOID(alg crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch alg {
	case crypto.SHA1:
		return oidDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return oidDigestAlgorithmSHA256, nil
	default:
		return nil, fmt.Errorf("kmod: unsupported digest algorithm %v", alg)
	}
}

func marshalAttributeSet(attrs []attribute) ([]byte, error) {
	wrapper := struct {
		Attrs []attribute `asn1:"set"`
	}{Attrs: attrs}
	b, err := asn1.Marshal(wrapper)
	if err != nil {
		return nil, err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw.Bytes, nil
}

// BuildSignedData builds the PKCS#7 SignedData with absent content and a
// message-digest attribute equal to moduleDigest, per spec §4.6 step 3.
func BuildSignedData(cert *x509.Certificate, alg crypto.Hash, moduleDigest []byte, sign func([]byte) ([]byte, error)) ([]byte, error) {
	oid, err := digestOID(alg)
	if err != nil {
		return nil, err
	}

	digestVal, err := asn1.Marshal(moduleDigest)
	if err != nil {
		return nil, err
	}
	msgDigestAttr := attribute{
		Type:  oidAttributeMessageDigest,
		Value: asn1.RawValue{FullBytes: wrapAsSet(digestVal)},
	}

	dataOIDVal, err := asn1.Marshal(oidData)
	if err != nil {
		return nil, err
	}
	contentTypeAttr := attribute{
		Type:  oidAttributeContentType,
		Value: asn1.RawValue{FullBytes: wrapAsSet(dataOIDVal)},
	}

	attrSetDER, err := marshalAttributeSet([]attribute{contentTypeAttr, msgDigestAttr})
	if err != nil {
		return nil, err
	}

	h := alg.New()
	h.Write(attrSetDER)
	attrDigest := h.Sum(nil)

	sig, err := sign(attrDigest)
	if err != nil {
		return nil, fmt.Errorf("kmod: sign attributes: %w", err)
	}

	si := signerInfo{
		Version: 1,
		IssuerAndSerialNumber: issuerAndSerialNumberRaw{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: asn1.RawValue{FullBytes: marshalSerialNumber(cert)},
		},
		DigestAlgorithm: newAlgorithmIdentifier(oid),
		AuthenticatedAttributes: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      attrSetDER[2:],
		},
		DigestEncryptionAlgorithm: newAlgorithmIdentifier(oidRSAEncryption),
		EncryptedDigest:           sig,
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []algorithmIdentifier{newAlgorithmIdentifier(oid)},
		ContentInfo:      encapsulatedContentInfo{ContentType: oidData},
		Certificates: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      cert.Raw,
		},
		SignerInfos: []signerInfo{si},
	}

	sdDER, err := asn1.Marshal(sd)
	if err != nil {
		return nil, err
	}

	outer := contentInfo{
		ContentType: oidSignedData,
		Content: asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        0,
			IsCompound: true,
			Bytes:      sdDER,
		},
	}
	return asn1.Marshal(outer)
}

func wrapAsSet(elementDER []byte) []byte {
	b, _ := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      elementDER,
	})
	return b
}

func marshalSerialNumber(cert *x509.Certificate) []byte {
	b, _ := asn1.Marshal(cert.SerialNumber)
	return b
}

// Trailer builds the fixed 40-byte module_signature trailer for a PKCS#7
// blob of sigLen bytes.
func Trailer(sigLen uint32) []byte {
	trailer := make([]byte, 12, 12+len(Magic))
	trailer[2] = pkeyIDPKCS7
	binary.BigEndian.PutUint32(trailer[8:12], sigLen)
	trailer = append(trailer, []byte(Magic)...)
	return trailer
}

// WriteAttached writes module, then the PKCS#7 DER, then the trailer, to w.
func WriteAttached(w io.Writer, module []byte, signedDataDER []byte) error {
	if _, err := w.Write(module); err != nil {
		return err
	}
	if _, err := w.Write(signedDataDER); err != nil {
		return err
	}
	_, err := w.Write(Trailer(uint32(len(signedDataDER))))
	return err
}
