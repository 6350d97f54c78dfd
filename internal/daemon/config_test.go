// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "/var/run/pesign/socket", cfg.SocketPath)
	assert.Equal(t, "/var/run/pesign.pid", cfg.PIDFile)
	assert.Equal(t, "pesign", cfg.User)
	assert.Equal(t, "pesign", cfg.Group)
	assert.False(t, cfg.ComputeSHA1)
	assert.Equal(t, "info", cfg.LogLevel)
}
