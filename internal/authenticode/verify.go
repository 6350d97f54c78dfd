// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"crypto"
	"encoding/asn1"
	"fmt"

	"go.mozilla.org/pkcs7"

	"github.com/saferwall/pesignd/internal/pe"
)

// Verify is test tooling, not a served daemon feature (verification is a
// spec non-goal beyond round-trip testing): it parses a SignedData DER
// blob produced by BuildSignedData, extracts the embedded message digest
// from its SpcIndirectDataContent, and compares it against a freshly
// computed Authenticode digest of peFile.
func Verify(peFile *pe.File, alg crypto.Hash, signedDataDER []byte) error {
	p7, err := pkcs7.Parse(signedDataDER)
	if err != nil {
		return fmt.Errorf("authenticode: parse signed data: %w", err)
	}

	var indirect spcIndirectDataContent
	if _, err := asn1.Unmarshal(p7.Content, &indirect); err != nil {
		return fmt.Errorf("authenticode: parse SpcIndirectDataContent: %w", err)
	}

	digests, err := peFile.ComputeDigests(alg)
	if err != nil {
		return fmt.Errorf("authenticode: compute digest: %w", err)
	}

	if !bytes.Equal(indirect.MessageDigest.Digest, digests[alg]) {
		return fmt.Errorf("%w: embedded %x, computed %x",
			errDigestMismatch, indirect.MessageDigest.Digest, digests[alg])
	}
	return nil
}

// ExtractMessageDigestAttribute parses signedDataDER and returns the
// message-digest signed attribute off its single SignerInfo: the value
// the round-trip law in the daemon's test suite checks against the
// Authenticode digest of the signed input.
func ExtractMessageDigestAttribute(signedDataDER []byte) ([]byte, error) {
	var outer contentInfo
	if _, err := asn1.Unmarshal(signedDataDER, &outer); err != nil {
		return nil, fmt.Errorf("authenticode: parse content info: %w", err)
	}

	var sd signedData
	if _, err := asn1.Unmarshal(outer.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("authenticode: parse signed data: %w", err)
	}
	if len(sd.SignerInfos) == 0 {
		return nil, fmt.Errorf("authenticode: signed data has no signer infos")
	}

	si := sd.SignerInfos[0]

	// AuthenticatedAttributes was captured as a [0] IMPLICIT SET; re-tag
	// it universal SET (tag 17) to parse it back as a plain SET OF
	// Attribute, the same bytes BuildSignedData hashed.
	universalSet := asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSet,
		IsCompound: true,
		Bytes:      si.AuthenticatedAttributes.Bytes,
	}
	setDER, err := asn1.Marshal(universalSet)
	if err != nil {
		return nil, fmt.Errorf("authenticode: re-tag authenticated attributes: %w", err)
	}

	var wrapper struct {
		Attrs []attribute `asn1:"set"`
	}
	if _, err := asn1.Unmarshal(setDER, &wrapper); err != nil {
		return nil, fmt.Errorf("authenticode: parse authenticated attributes: %w", err)
	}

	for _, a := range wrapper.Attrs {
		if !a.Type.Equal(oidAttributeMessageDigest) {
			continue
		}
		var values [][]byte
		if _, err := asn1.UnmarshalWithParams(a.Value.FullBytes, &values, "set"); err != nil {
			return nil, fmt.Errorf("authenticode: parse message-digest attribute: %w", err)
		}
		if len(values) != 1 {
			return nil, fmt.Errorf("authenticode: message-digest attribute has %d values, want 1", len(values))
		}
		return values[0], nil
	}
	return nil, fmt.Errorf("authenticode: no message-digest attribute found")
}
