// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pesignerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "protocol_error", ProtocolError.String())
	assert.Equal(t, "not_found", NotFound.String())
	assert.Equal(t, "auth_failed", AuthFailed.String())
	assert.Equal(t, "malformed_input", MalformedInput.String())
	assert.Equal(t, "crypto_error", CryptoError.String())
	assert.Equal(t, "fatal", Fatal.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestKindRC(t *testing.T) {
	assert.Equal(t, int32(-1), NotFound.RC())
	assert.Equal(t, int32(-1), MalformedInput.RC())
	assert.Equal(t, int32(-1), CryptoError.RC())
	assert.Equal(t, int32(-2), AuthFailed.RC())
	assert.Equal(t, int32(-1), Fatal.RC())
}

func TestErrorMessageWithWrappedErr(t *testing.T) {
	wrapped := errors.New("token not found")
	err := New(NotFound, "FindToken", wrapped)

	assert.Equal(t, "FindToken: not_found: token not found", err.Error())
	assert.ErrorIs(t, err, wrapped)
}

func TestErrorMessageWithoutWrappedErr(t *testing.T) {
	err := New(AuthFailed, "UnlockToken", nil)
	assert.Equal(t, "UnlockToken: auth_failed", err.Error())
	assert.Nil(t, err.Unwrap())
}
