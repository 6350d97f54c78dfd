// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"fmt"

	"github.com/saferwall/pesignd/internal/pe"
)

// Identity is a resolved signing identity: a certificate and a callback
// that signs a digest using the private key behind it. The callback is
// the Sign half of the Key Provider capability interface; Compose never
// talks to a PKCS#11 token directly so it stays testable with a bare RSA
// key.
type Identity struct {
	Certificate *x509.Certificate
	Sign        func(alg crypto.Hash, digest []byte) ([]byte, error)
}

func (id Identity) signWith(alg crypto.Hash) func([]byte) ([]byte, error) {
	return func(digest []byte) ([]byte, error) {
		return id.Sign(alg, digest)
	}
}

// SignAttached embeds a new WIN_CERTIFICATE into peFile, which must have
// been opened with pe.Options.Writable. Existing certificate-table
// entries, if any, are preserved byte-for-byte; the new signature is
// appended after them.
//
// SignAttached does not roll back an entry it has already appended: on
// any failure after the file has been extended, the caller is
// responsible for truncating the output (the daemon resets it to empty).
func SignAttached(peFile *pe.File, identity Identity, alg crypto.Hash) error {
	if identity.Certificate == nil {
		return errNoSignerCert
	}

	digests, err := peFile.ComputeDigests(alg)
	if err != nil {
		return fmt.Errorf("authenticode: compute provisional digest: %w", err)
	}

	der, err := BuildSignedData(identity.Certificate, alg, digests[alg], identity.signWith(alg))
	if err != nil {
		return fmt.Errorf("authenticode: build signed data: %w", err)
	}

	if err := peFile.AppendCertificate(der); err != nil {
		return fmt.Errorf("authenticode: append certificate: %w", err)
	}

	// The certificate table is excluded from the hashable ranges by
	// construction, so extending it must not change the digest. Recompute
	// once as a correctness check rather than trusting that invariant
	// blindly, per the design's recompute-after-extend step.
	verify, err := peFile.ComputeDigests(alg)
	if err != nil {
		return fmt.Errorf("authenticode: recompute digest after signing: %w", err)
	}
	if !bytes.Equal(verify[alg], digests[alg]) {
		return fmt.Errorf("%w: digest before signing %x, after %x", errDigestMismatch, digests[alg], verify[alg])
	}

	return nil
}

// SignDetached computes the Authenticode digest of peFile (opened
// read-only) and returns the outer ContentInfo DER; it never mutates
// peFile.
func SignDetached(peFile *pe.File, identity Identity, alg crypto.Hash) ([]byte, error) {
	if identity.Certificate == nil {
		return nil, errNoSignerCert
	}

	digests, err := peFile.ComputeDigests(alg)
	if err != nil {
		return nil, fmt.Errorf("authenticode: compute digest: %w", err)
	}

	der, err := BuildSignedData(identity.Certificate, alg, digests[alg], identity.signWith(alg))
	if err != nil {
		return nil, fmt.Errorf("authenticode: build signed data: %w", err)
	}
	return der, nil
}
