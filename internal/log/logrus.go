// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package log

import "github.com/sirupsen/logrus"

// logrusLogger adapts a *logrus.Logger to the Logger interface. This is
// the backend the daemon wires up for its own structured logs; the bare
// stdLogger above stays as the library-level default so internal/pe keeps
// working for callers that never touch the daemon.
type logrusLogger struct {
	entry *logrus.Logger
}

// NewLogrusLogger wraps logger, and is the backend cmd/pesignd installs.
func NewLogrusLogger(logger *logrus.Logger) Logger {
	return &logrusLogger{entry: logger}
}

func (l *logrusLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}

	fields := make(logrus.Fields, len(keyvals)/2)
	var msg interface{}
	for i := 0; i < len(keyvals); i += 2 {
		key, _ := keyvals[i].(string)
		if key == "msg" {
			msg = keyvals[i+1]
			continue
		}
		fields[key] = keyvals[i+1]
	}

	entry := l.entry.WithFields(fields)
	switch level {
	case LevelDebug:
		entry.Debug(msg)
	case LevelInfo:
		entry.Info(msg)
	case LevelWarn:
		entry.Warn(msg)
	case LevelError:
		entry.Error(msg)
	case LevelFatal:
		entry.Fatal(msg)
	}
	return nil
}
