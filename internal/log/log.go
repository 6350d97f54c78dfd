// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package log is a minimal structured logging facade, shaped after the
// Logger/Helper/Filter split the internal/pe package was already written
// against: a narrow Logger interface any backend can satisfy, a level
// Filter wrapping one, and a Helper exposing printf-style convenience
// methods. The daemon wraps logrus.
package log

import (
	"fmt"
	"io"
	"time"
)

// Level is a logging severity.
type Level int

// Severity levels, lowest to highest.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger logs a sequence of key-value pairs at a given level. keyvals must
// be an even-length list: key, value, key, value, ...
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// stdLogger writes each Log call as one line to an io.Writer.
type stdLogger struct {
	w io.Writer
}

// NewStdLogger returns a Logger that writes plain timestamped lines to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{w: w}
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}

	buf := fmt.Sprintf("%s level=%s", time.Now().Format(time.RFC3339), level)
	for i := 0; i < len(keyvals); i += 2 {
		buf += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	_, err := fmt.Fprintln(l.w, buf)
	return err
}

// filter wraps a Logger, dropping any record below a minimum level.
type filter struct {
	logger Logger
	level  Level
}

// FilterOption configures a filter.
type FilterOption func(*filter)

// FilterLevel sets the minimum level a record must meet to pass through.
func FilterLevel(level Level) FilterOption {
	return func(f *filter) {
		f.level = level
	}
}

// NewFilter wraps logger with the given options.
func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}

// Helper adds printf-style convenience methods on top of a Logger.
type Helper struct {
	logger Logger
}

// NewHelper wraps logger with printf-style methods.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, msg string) {
	if h == nil || h.logger == nil {
		return
	}
	_ = h.logger.Log(level, "msg", msg)
}

// Debugf logs at debug level.
func (h *Helper) Debugf(format string, args ...interface{}) {
	h.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func (h *Helper) Infof(format string, args ...interface{}) {
	h.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (h *Helper) Warnf(format string, args ...interface{}) {
	h.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (h *Helper) Errorf(format string, args ...interface{}) {
	h.log(LevelError, fmt.Sprintf(format, args...))
}

// Debug logs a single message at debug level.
func (h *Helper) Debug(args ...interface{}) {
	h.log(LevelDebug, fmt.Sprint(args...))
}

// Info logs a single message at info level.
func (h *Helper) Info(args ...interface{}) {
	h.log(LevelInfo, fmt.Sprint(args...))
}
