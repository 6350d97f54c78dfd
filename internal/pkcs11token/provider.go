// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pkcs11token implements the Key Provider capability interface
// on top of a PKCS#11 module: token enumeration, PIN authentication,
// certificate lookup, and RSA signing of a pre-built DigestInfo.
package pkcs11token

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"
	"github.com/miekg/pkcs11/p11"

	"github.com/saferwall/pesignd/internal/log"
	"github.com/saferwall/pesignd/internal/pesignerr"
)

// hashPrefixes are the DER-encoded DigestInfo AlgorithmIdentifier
// prefixes PKCS#1 v1.5 prepends before the raw digest, since CKM_RSA_PKCS
// on most tokens signs exactly DigestInfo(alg, digest) and expects the
// caller to have already built it.
var hashPrefixes = map[crypto.Hash][]byte{
	crypto.SHA1:   {0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a, 0x05, 0x00, 0x04, 0x14},
	crypto.SHA256: {0x30, 0x31, 0x30, 0x0d, 0x06, 0x09, 0x60, 0x86, 0x48, 0x01, 0x65, 0x03, 0x04, 0x02, 0x01, 0x05, 0x00, 0x04, 0x20},
}

// ErrAmbiguous is returned by FindCertificate when more than one
// private-key-backed certificate matches a nickname, per the redesign
// note resolving the source's silent-first-match behavior.
var ErrAmbiguous = fmt.Errorf("pkcs11token: nickname matches more than one certificate with a private key")

// TokenHandle identifies an open, possibly-authenticated session against
// one slot.
type TokenHandle struct {
	Name string

	mu            sync.Mutex
	slot          p11.Slot
	session       p11.Session
	authenticated bool
}

// Provider is the Key Provider (component F): a PKCS#11 module opened
// once at startup, exposing list/find/authenticate/find_certificate/sign.
type Provider struct {
	module p11.Module
	logger *log.Helper

	mu     sync.Mutex
	tokens map[string]*TokenHandle

	oids map[string]asn1.ObjectIdentifier
}

// Open loads the PKCS#11 module at modulePath and enumerates its slots.
func Open(modulePath string, logger *log.Helper) (*Provider, error) {
	module, err := p11.OpenModule(modulePath)
	if err != nil {
		return nil, pesignerr.New(pesignerr.Fatal, "pkcs11token.Open", err)
	}

	p := &Provider{
		module: module,
		logger: logger,
		tokens: make(map[string]*TokenHandle),
		oids:   make(map[string]asn1.ObjectIdentifier),
	}

	slots, err := module.Slots()
	if err != nil {
		return nil, pesignerr.New(pesignerr.Fatal, "pkcs11token.Open", err)
	}
	for _, slot := range slots {
		info, err := slot.TokenInfo()
		if err != nil {
			logger.Warnf("pkcs11: failed to read token info for slot %d: %v", slot.ID(), err)
			continue
		}
		p.tokens[info.Label] = &TokenHandle{Name: info.Label, slot: slot}
	}
	return p, nil
}

// ListTokens returns every token name discovered at Open time.
func (p *Provider) ListTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tokens))
	for name := range p.tokens {
		names = append(names, name)
	}
	return names
}

// FindToken looks up a token by name.
func (p *Provider) FindToken(name string) (*TokenHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[name]
	if !ok {
		return nil, pesignerr.New(pesignerr.NotFound, "pkcs11token.FindToken", fmt.Errorf("token %q not found", name))
	}
	return tok, nil
}

// Authenticate opens a session against the token and logs in with pin.
// It is idempotent: a token already authenticated in this process
// returns success without contacting the module again, and a second
// C_Login attempt that hits CKR_USER_ALREADY_LOGGED_IN is treated as
// success rather than an error.
func (t *TokenHandle) Authenticate(pin string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.authenticated {
		return nil
	}

	session, err := t.slot.OpenSession()
	if err != nil {
		return pesignerr.New(pesignerr.AuthFailed, "TokenHandle.Authenticate", err)
	}

	if err := session.Login(pin); err != nil {
		if !strings.Contains(err.Error(), "CKR_USER_ALREADY_LOGGED_IN") {
			return pesignerr.New(pesignerr.AuthFailed, "TokenHandle.Authenticate", err)
		}
	}

	t.session = session
	t.authenticated = true
	return nil
}

// IsAuthenticated reports whether Authenticate has succeeded for this
// token in this process, backing the daemon's Unlocked-Token Registry.
func (t *TokenHandle) IsAuthenticated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.authenticated
}

// Key is a resolved certificate plus the private-key handle backing it.
type Key struct {
	Certificate *x509.Certificate
	handle      p11.PrivateKey
}

// FindCertificate looks up a certificate by CKA_LABEL on the token. When
// needsPrivateKey is true, a CKO_PRIVATE_KEY object carrying the same
// CKA_LABEL must also exist; more than one such private key is reported
// as ErrAmbiguous rather than silently taking the first. When several
// certificates carry the label, the first one the token returns is used.
func (t *TokenHandle) FindCertificate(nickname string, needsPrivateKey bool) (*Key, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.authenticated {
		return nil, pesignerr.New(pesignerr.AuthFailed, "TokenHandle.FindCertificate", fmt.Errorf("token %q not authenticated", t.Name))
	}

	certObjs, err := t.session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nickname),
	})
	if err != nil || len(certObjs) == 0 {
		return nil, pesignerr.New(pesignerr.NotFound, "TokenHandle.FindCertificate",
			fmt.Errorf("no certificate labeled %q on token %q", nickname, t.Name))
	}

	if !needsPrivateKey {
		certData, err := certObjs[0].Value()
		if err != nil {
			return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.FindCertificate", err)
		}
		cert, err := x509.ParseCertificate(certData)
		if err != nil {
			return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.FindCertificate", err)
		}
		return &Key{Certificate: cert}, nil
	}

	keyObjs, err := t.session.FindObjects([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nickname),
	})
	if err != nil || len(keyObjs) == 0 {
		return nil, pesignerr.New(pesignerr.NotFound, "TokenHandle.FindCertificate",
			fmt.Errorf("no private key labeled %q on token %q", nickname, t.Name))
	}
	if len(keyObjs) > 1 {
		return nil, pesignerr.New(pesignerr.NotFound, "TokenHandle.FindCertificate", ErrAmbiguous)
	}

	certData, err := certObjs[0].Value()
	if err != nil {
		return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.FindCertificate", err)
	}
	cert, err := x509.ParseCertificate(certData)
	if err != nil {
		return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.FindCertificate", err)
	}

	return &Key{Certificate: cert, handle: p11.PrivateKey(keyObjs[0])}, nil
}

// Sign returns a raw PKCS#1 v1.5 RSA signature over DigestInfo(alg,
// digest), matching the Key Provider's sign capability.
func (t *TokenHandle) Sign(key *Key, alg crypto.Hash, digest []byte) ([]byte, error) {
	prefix, ok := hashPrefixes[alg]
	if !ok {
		return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.Sign", fmt.Errorf("unsupported digest algorithm %v", alg))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.authenticated {
		return nil, pesignerr.New(pesignerr.AuthFailed, "TokenHandle.Sign", fmt.Errorf("token %q not authenticated", t.Name))
	}

	mechanism := pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	input := append(append([]byte{}, prefix...), digest...)

	sig, err := key.handle.Sign(*mechanism, input)
	if err != nil {
		return nil, pesignerr.New(pesignerr.CryptoError, "TokenHandle.Sign", err)
	}
	return sig, nil
}

// RegisterOID records oid under name in the provider's in-process OID
// table. Go's encoding/asn1 needs no runtime OID registration the way
// NSS's SEC_OID table does, so this exists only to satisfy the Key
// Provider capability interface. A malformed OID string is rejected
// with a MalformedInput error.
func (p *Provider) RegisterOID(oidString, name string) error {
	oid, err := parseOIDString(oidString)
	if err != nil {
		return pesignerr.New(pesignerr.MalformedInput, "Provider.RegisterOID", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.oids[name] = oid
	p.logger.Debugf("registered OID %s as %s", oidString, name)
	return nil
}

func parseOIDString(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(s, ".")
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, part := range parts {
		var v int
		if _, err := fmt.Sscanf(part, "%d", &v); err != nil {
			return nil, fmt.Errorf("invalid OID component %q: %w", part, err)
		}
		oid[i] = v
	}
	return oid, nil
}
