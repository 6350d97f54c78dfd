// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"math/big"
	"sort"

	"golang.org/x/text/encoding/unicode"
)

// obsoleteLinkName is the fixed SpcLink file name every Authenticode
// signature embeds; tooling never dereferences it, it is a historical
// artifact of the original signtool.
const obsoleteLinkName = "<<<Obsolete>>>"

// algorithmIdentifier marshals an AlgorithmIdentifier with explicit NULL
// parameters, matching the 05 00 bytes every Authenticode verifier
// expects rather than omitting Parameters (which would marshal as
// ASN.1 NULL's absence, not its encoded presence).
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue
}

func newAlgorithmIdentifier(oid asn1.ObjectIdentifier) algorithmIdentifier {
	return algorithmIdentifier{
		Algorithm:  oid,
		Parameters: asn1.RawValue{Tag: asn1.TagNull, Class: asn1.ClassUniversal},
	}
}

// spcAttributeTypeAndOptionalValue is SpcAttributeTypeAndOptionalValue.
type spcAttributeTypeAndOptionalValue struct {
	Type  asn1.ObjectIdentifier
	Value spcPeImageData
}

// spcPeImageData is SpcPeImageData: reserved flags plus the obsolete
// SpcLink file reference every signer still embeds.
type spcPeImageData struct {
	Flags asn1.BitString
	File  asn1.RawValue
}

// digestInfo is DigestInfo: (AlgorithmIdentifier, OCTET STRING digest).
type digestInfo struct {
	DigestAlgorithm algorithmIdentifier
	Digest          []byte
}

// spcIndirectDataContent is SpcIndirectDataContent, the contentInfo.content
// carried inside SignedData.
type spcIndirectDataContent struct {
	Data          spcAttributeTypeAndOptionalValue
	MessageDigest digestInfo
}

// buildSpcLink builds the [2] EXPLICIT SpcString wrapping the UCS-2
// literal "<<<Obsolete>>>" with no terminator, as the SpcLink.file choice.
func buildSpcLink() (asn1.RawValue, error) {
	encoder := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder()
	ucs2, err := encoder.Bytes([]byte(obsoleteLinkName))
	if err != nil {
		return asn1.RawValue{}, err
	}

	// SpcString ::= CHOICE { unicode [0] IMPLICIT BMPString, ... }
	spcString := asn1.RawValue{
		Class: asn1.ClassContextSpecific,
		Tag:   0,
		Bytes: ucs2,
	}
	spcStringDER, err := asn1.Marshal(spcString)
	if err != nil {
		return asn1.RawValue{}, err
	}

	// SpcLink ::= CHOICE { ..., file [2] EXPLICIT SpcString }
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        2,
		IsCompound: true,
		Bytes:      spcStringDER,
	}, nil
}

// buildSpcIndirectDataContent builds the SPC_INDIRECT_DATA content for a
// PE image digest of the given algorithm.
func buildSpcIndirectDataContent(alg crypto.Hash, digest []byte) (spcIndirectDataContent, error) {
	oid, err := digestOID(alg)
	if err != nil {
		return spcIndirectDataContent{}, err
	}

	link, err := buildSpcLink()
	if err != nil {
		return spcIndirectDataContent{}, err
	}

	return spcIndirectDataContent{
		Data: spcAttributeTypeAndOptionalValue{
			Type: oidSpcPEImageData,
			Value: spcPeImageData{
				Flags: asn1.BitString{Bytes: []byte{0}, BitLength: 0},
				File:  link,
			},
		},
		MessageDigest: digestInfo{
			DigestAlgorithm: newAlgorithmIdentifier(oid),
			Digest:          digest,
		},
	}, nil
}

// attribute is the generic PKCS#7 Attribute SEQUENCE { type, SET OF value }.
type attribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue `asn1:"set"`
}

func newAttribute(oid asn1.ObjectIdentifier, value asn1.RawValue) (attribute, error) {
	setBytes, err := asn1.Marshal(value)
	if err != nil {
		return attribute{}, err
	}
	return attribute{Type: oid, Value: asn1.RawValue{FullBytes: wrapAsSet(setBytes)}}, nil
}

// wrapAsSet re-tags a single marshaled element's bytes as the sole member
// of a DER SET, for attribute values that are themselves a SET OF one.
func wrapAsSet(elementDER []byte) []byte {
	b, _ := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      elementDER,
	})
	return b
}

// spcSpOpusInfo is SpcSpOpusInfo with an empty program name and link, the
// form every signtool-produced signature carries.
type spcSpOpusInfo struct{}

func buildSignedAttributes(contentDigest []byte) ([]attribute, error) {
	contentTypeVal, err := asn1.Marshal(oidSpcIndirectData)
	if err != nil {
		return nil, err
	}
	contentTypeAttr, err := newAttribute(oidAttributeContentType, asn1.RawValue{FullBytes: contentTypeVal})
	if err != nil {
		return nil, err
	}

	msgDigestVal, err := asn1.Marshal(contentDigest)
	if err != nil {
		return nil, err
	}
	msgDigestAttr, err := newAttribute(oidAttributeMessageDigest, asn1.RawValue{FullBytes: msgDigestVal})
	if err != nil {
		return nil, err
	}

	opusVal, err := asn1.Marshal(spcSpOpusInfo{})
	if err != nil {
		return nil, err
	}
	opusAttr, err := newAttribute(oidSpcSpOpusInfo, asn1.RawValue{FullBytes: opusVal})
	if err != nil {
		return nil, err
	}

	stmtVal, err := asn1.Marshal([]asn1.ObjectIdentifier{oidSpcCommercialCodeSigning})
	if err != nil {
		return nil, err
	}
	stmtAttr, err := newAttribute(oidSpcStatementType, asn1.RawValue{FullBytes: stmtVal})
	if err != nil {
		return nil, err
	}

	attrs := []attribute{contentTypeAttr, msgDigestAttr, opusAttr, stmtAttr}

	encoded := make([][]byte, len(attrs))
	for i, a := range attrs {
		b, err := asn1.Marshal(a)
		if err != nil {
			return nil, err
		}
		encoded[i] = b
	}
	sort.Sort(byDER(encoded))

	sorted := make([]attribute, len(attrs))
	for i, b := range encoded {
		var a attribute
		if _, err := asn1.Unmarshal(b, &a); err != nil {
			return nil, err
		}
		sorted[i] = a
	}
	return sorted, nil
}

type byDER [][]byte

func (s byDER) Len() int      { return len(s) }
func (s byDER) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s byDER) Less(i, j int) bool {
	a, b := s[i], s[j]
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for k := 0; k < n; k++ {
		if a[k] != b[k] {
			return a[k] < b[k]
		}
	}
	return len(a) < len(b)
}

// marshalAttributeSet marshals attrs as a canonical SET OF Attribute
// (tag 17), DER-sorted. The same bytes are hashed to produce SignerInfo's
// authenticated-attributes digest and embedded (implicitly re-tagged as
// [0]) in the wire SignerInfo, per the asymmetry the spec calls out.
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
	// raw.Bytes is the content of the wrapper SEQUENCE, i.e. exactly the
	// SET OF Attribute including its own tag and length.
	return raw.Bytes, nil
}

// issuerAndSerialNumber identifies the signer certificate.
type issuerAndSerialNumber struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// signerInfo is SignerInfo, version 1, with implicit-tagged authenticated
// attributes on the wire.
type signerInfo struct {
	Version                   int
	IssuerAndSerialNumber     issuerAndSerialNumber
	DigestAlgorithm           algorithmIdentifier
	AuthenticatedAttributes   asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm algorithmIdentifier
	EncryptedDigest           []byte
}

// buildSignerInfo assembles SignerInfo, signing attrSetDER (the canonical
// SET OF Attribute bytes) via sign, which must return a raw PKCS#1 v1.5
// RSA signature.
func buildSignerInfo(cert *x509.Certificate, alg crypto.Hash, attrSetDER []byte, sign func([]byte) ([]byte, error)) (signerInfo, error) {
	oid, err := digestOID(alg)
	if err != nil {
		return signerInfo{}, err
	}

	h := alg.New()
	h.Write(attrSetDER)
	attrDigest := h.Sum(nil)

	sig, err := sign(attrDigest)
	if err != nil {
		return signerInfo{}, err
	}

	implicitAttrs := asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      attrSetDER[2:], // strip the universal SET tag+length, re-tag as [0] IMPLICIT
	}

	return signerInfo{
		Version: 1,
		IssuerAndSerialNumber: issuerAndSerialNumber{
			Issuer:       asn1.RawValue{FullBytes: cert.RawIssuer},
			SerialNumber: cert.SerialNumber,
		},
		DigestAlgorithm:           newAlgorithmIdentifier(oid),
		AuthenticatedAttributes:   implicitAttrs,
		DigestEncryptionAlgorithm: newAlgorithmIdentifier(oidRSAEncryption),
		EncryptedDigest:           sig,
	}, nil
}

// encapsulatedContentInfo is SignedData.contentInfo, carrying the
// SpcIndirectDataContent bytes as explicit content.
type encapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// signedData is SignedData, version 1.
type signedData struct {
	Version          int
	DigestAlgorithms []algorithmIdentifier `asn1:"set"`
	ContentInfo      encapsulatedContentInfo
	Certificates     asn1.RawValue `asn1:"optional,tag:0"`
	SignerInfos      []signerInfo  `asn1:"set"`
}

// contentInfo is the outer ContentInfo wrapping SignedData.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,tag:0"`
}

// BuildSignedData assembles the full outer ContentInfo DER for an
// Authenticode PE signature: SpcIndirectDataContent plus one SignerInfo
// over one certificate. sign must return a raw PKCS#1 v1.5 RSA signature
// over the DigestInfo(alg, attrDigest) bytes handed to it.
func BuildSignedData(cert *x509.Certificate, alg crypto.Hash, peDigest []byte, sign func([]byte) ([]byte, error)) ([]byte, error) {
	indirect, err := buildSpcIndirectDataContent(alg, peDigest)
	if err != nil {
		return nil, err
	}
	indirectDER, err := asn1.Marshal(indirect)
	if err != nil {
		return nil, err
	}

	// The message-digest signed attribute is the hash of the content
	// bytes carried inside contentInfo, not of the PE image itself.
	h := alg.New()
	h.Write(indirectDER)
	contentDigest := h.Sum(nil)

	attrs, err := buildSignedAttributes(contentDigest)
	if err != nil {
		return nil, err
	}
	attrSetDER, err := marshalAttributeSet(attrs)
	if err != nil {
		return nil, err
	}

	si, err := buildSignerInfo(cert, alg, attrSetDER, sign)
	if err != nil {
		return nil, err
	}

	sd := signedData{
		Version:          1,
		DigestAlgorithms: []algorithmIdentifier{newAlgorithmIdentifier(mustDigestOID(alg))},
		ContentInfo: encapsulatedContentInfo{
			ContentType: oidSpcIndirectData,
			Content: asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      indirectDER,
			},
		},
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

func mustDigestOID(alg crypto.Hash) asn1.ObjectIdentifier {
	oid, err := digestOID(alg)
	if err != nil {
		// buildSpcIndirectDataContent already validated alg.
		panic(err)
	}
	return oid
}
