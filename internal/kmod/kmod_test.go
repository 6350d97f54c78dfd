// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package kmod

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func genTestIdentity(t *testing.T) Identity {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(42),
		Subject:      pkix.Name{CommonName: "kmod test signer"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return Identity{
		Certificate: cert,
		Sign: func(alg crypto.Hash, digest []byte) ([]byte, error) {
			return rsa.SignPKCS1v15(rand.Reader, key, alg, digest)
		},
	}
}

func TestDigestIsDeterministic(t *testing.T) {
	module := bytes.Repeat([]byte{0xAB}, 4096)

	d1, err := Digest(bytes.NewReader(module), crypto.SHA256)
	require.NoError(t, err)
	d2, err := Digest(bytes.NewReader(module), crypto.SHA256)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Len(t, d1, crypto.SHA256.Size())
}

func TestBuildSignedDataProducesDER(t *testing.T) {
	module := bytes.Repeat([]byte{0x11, 0x22, 0x33}, 1024)
	identity := genTestIdentity(t)

	digest, err := Digest(bytes.NewReader(module), crypto.SHA256)
	require.NoError(t, err)

	sign := func(d []byte) ([]byte, error) { return identity.Sign(crypto.SHA256, d) }
	der, err := BuildSignedData(identity.Certificate, crypto.SHA256, digest, sign)
	require.NoError(t, err)
	require.NotEmpty(t, der)
}

func TestTrailerLayout(t *testing.T) {
	trailer := Trailer(256)
	require.Len(t, trailer, 12+len(Magic))

	assert.Equal(t, byte(pkeyIDPKCS7), trailer[2])
	assert.Zero(t, trailer[3], "signer_len must be zero: the signing certificate is not embedded in the trailer")
	assert.Equal(t, []byte(Magic), trailer[12:])

	sigLen := uint32(trailer[8])<<24 | uint32(trailer[9])<<16 | uint32(trailer[10])<<8 | uint32(trailer[11])
	assert.Equal(t, uint32(256), sigLen)
}

func TestWriteAttachedConcatenatesModuleSignatureAndTrailer(t *testing.T) {
	module := []byte("fake kernel module bytes")
	signedData := []byte("fake pkcs7 der")

	var buf bytes.Buffer
	require.NoError(t, WriteAttached(&buf, module, signedData))

	out := buf.Bytes()
	assert.True(t, bytes.HasPrefix(out, module))
	assert.True(t, bytes.HasSuffix(out, Trailer(uint32(len(signedData)))))
	assert.Equal(t, len(module)+len(signedData)+12+len(Magic), len(out))
}
