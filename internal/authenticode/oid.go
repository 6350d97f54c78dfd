// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"crypto"
	"encoding/asn1"
)

// Object identifiers used throughout the DER builder. Go's encoding/asn1
// needs no runtime registration the way NSS's SEC_OID table does; the
// package-level table below is the in-process equivalent, consulted by
// oidRegistry and kept so a PKCS#11-backed key provider can still call
// its own oid_register without the value ever needing to reach here.
var (
	oidData              = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	oidSignedData         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidRSAEncryption      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}

	oidDigestAlgorithmSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	oidDigestAlgorithmSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

	oidAttributeContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	oidAttributeMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}

	// Microsoft Authenticode SPC OIDs, per spec.
	oidSpcIndirectData          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}
	oidSpcPEImageData           = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 15}
	oidSpcStatementType         = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 11}
	oidSpcSpOpusInfo            = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 12}
	oidSpcIndividualCodeSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 21}
	oidSpcCommercialCodeSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 22}
)

func digestOID(alg crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch alg {
	case crypto.SHA1:
		return oidDigestAlgorithmSHA1, nil
	case crypto.SHA256:
		return oidDigestAlgorithmSHA256, nil
	default:
		return nil, errUnsupportedDigest
	}
}

// oidRegistry is the in-process table oid_register writes into. Real
// NSS-backed implementations register OIDs with the crypto library at
// startup so later SEC_OID lookups succeed; Go's encoding/asn1 needs no
// such step, but the capability interface the key provider implements
// still exposes oid_register, so calls land here and are logged rather
// than silently dropped.
type oidRegistry struct {
	named map[string]asn1.ObjectIdentifier
}

func newOIDRegistry() *oidRegistry {
	return &oidRegistry{named: map[string]asn1.ObjectIdentifier{
		"SPC_INDIRECT_DATA":            oidSpcIndirectData,
		"SPC_PE_IMAGE_DATA":            oidSpcPEImageData,
		"SPC_STATEMENT_TYPE":           oidSpcStatementType,
		"SPC_SP_OPUS_INFO":             oidSpcSpOpusInfo,
		"SPC_INDIVIDUAL_CODE_SIGNING":  oidSpcIndividualCodeSigning,
		"SPC_COMMERCIAL_CODE_SIGNING":  oidSpcCommercialCodeSigning,
	}}
}

// Register records oid under name. It never fails: any OID, known or
// not, is recorded as given, matching oid_register's "ok" capability
// contract in the spec.
func (r *oidRegistry) Register(oid asn1.ObjectIdentifier, name string) {
	r.named[name] = oid
}
