// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pkcs11token

import (
	"encoding/asn1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saferwall/pesignd/internal/pesignerr"
)

func TestParseOIDString(t *testing.T) {
	oid, err := parseOIDString("1.3.6.1.4.1.311.2.1.4")
	require.NoError(t, err)
	assert.Equal(t, asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 311, 2, 1, 4}, oid)
}

func TestParseOIDStringRejectsNonNumeric(t *testing.T) {
	_, err := parseOIDString("1.3.x.1")
	assert.Error(t, err)
}

func newEmptyProvider() *Provider {
	return &Provider{
		tokens: make(map[string]*TokenHandle),
		oids:   make(map[string]asn1.ObjectIdentifier),
	}
}

func TestProviderFindTokenNotFound(t *testing.T) {
	p := newEmptyProvider()
	_, err := p.FindToken("softhsm2-token")

	var perr *pesignerr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pesignerr.NotFound, perr.Kind)
}

func TestProviderListTokensEmpty(t *testing.T) {
	p := newEmptyProvider()
	assert.Empty(t, p.ListTokens())
}

func TestProviderRegisterOID(t *testing.T) {
	p := newEmptyProvider()
	require.NoError(t, p.RegisterOID("1.2.840.113549.1.7.2", "SignedData"))
	assert.Equal(t, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}, p.oids["SignedData"])
}

func TestProviderRegisterOIDRejectsMalformed(t *testing.T) {
	p := newEmptyProvider()
	err := p.RegisterOID("not-an-oid", "Bogus")

	var perr *pesignerr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pesignerr.MalformedInput, perr.Kind)
}

func TestTokenHandleSignRejectsUnsupportedAlgorithm(t *testing.T) {
	tok := &TokenHandle{Name: "softhsm2-token", authenticated: true}
	_, err := tok.Sign(&Key{}, 0, []byte("digest"))

	var perr *pesignerr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pesignerr.CryptoError, perr.Kind)
}

func TestTokenHandleFindCertificateRequiresAuthentication(t *testing.T) {
	tok := &TokenHandle{Name: "softhsm2-token"}
	_, err := tok.FindCertificate("signer", true)

	var perr *pesignerr.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, pesignerr.AuthFailed, perr.Kind)
}

func TestTokenHandleIsAuthenticated(t *testing.T) {
	tok := &TokenHandle{Name: "softhsm2-token"}
	assert.False(t, tok.IsAuthenticated())
	tok.authenticated = true
	assert.True(t, tok.IsAuthenticated())
}
