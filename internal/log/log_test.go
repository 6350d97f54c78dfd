// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "FATAL", LevelFatal.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

func TestStdLoggerWritesKeyvals(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(&buf)

	require.NoError(t, logger.Log(LevelInfo, "msg", "hello", "count", 3))

	out := buf.String()
	assert.Contains(t, out, "level=INFO")
	assert.Contains(t, out, "msg=hello")
	assert.Contains(t, out, "count=3")
}

func TestStdLoggerPadsOddKeyvals(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(&buf)

	require.NoError(t, logger.Log(LevelWarn, "msg"))
	assert.Contains(t, buf.String(), "msg=MISSING_VALUE")
}

func TestStdLoggerNoopOnEmpty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStdLogger(&buf)

	require.NoError(t, logger.Log(LevelInfo))
	assert.Empty(t, buf.String())
}

func TestFilterDropsBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	base := NewStdLogger(&buf)
	filtered := NewFilter(base, FilterLevel(LevelWarn))

	require.NoError(t, filtered.Log(LevelInfo, "msg", "should be dropped"))
	assert.Empty(t, buf.String())

	require.NoError(t, filtered.Log(LevelError, "msg", "should pass"))
	assert.True(t, strings.Contains(buf.String(), "should pass"))
}

func TestHelperFormatsAndLogs(t *testing.T) {
	var buf bytes.Buffer
	h := NewHelper(NewStdLogger(&buf))

	h.Infof("signing %s with %d bytes", "putty.exe", 128)
	assert.Contains(t, buf.String(), "signing putty.exe with 128 bytes")
}

func TestHelperNilSafe(t *testing.T) {
	var h *Helper
	assert.NotPanics(t, func() {
		h.Infof("no logger installed")
		h.Errorf("still no logger")
	})
}
