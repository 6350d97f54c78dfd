// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package pesignerr defines the error taxonomy the daemon maps onto wire
// response codes and connection-handling policy.
package pesignerr

import "fmt"

// Kind classifies an Error for the purposes of daemon response policy:
// whether the connection is closed outright, a response is sent with an
// rc, or the process aborts.
type Kind int

const (
	// ProtocolError is a framing violation: bad version, non-NUL-terminated
	// string, body-length mismatch. The connection is closed, no response
	// is sent, and the event is logged at high severity.
	ProtocolError Kind = iota

	// NotFound is a missing token or certificate. Surfaces as rc=-1 with
	// an error message.
	NotFound

	// AuthFailed is a rejected PIN. Surfaces as rc=-2 with a message.
	AuthFailed

	// MalformedInput is an invalid PE header, overlapping sections, a
	// truncated module, or an unrecognized file_format. Surfaces as
	// rc=-1; any partially written output file is truncated to zero.
	MalformedInput

	// CryptoError is a digest, sign, or OID failure. Same response
	// treatment as MalformedInput.
	CryptoError

	// Fatal is OOM, failure to bind the socket, failure to drop
	// privileges, or PKCS#11 module init failure. The process exits with
	// a non-zero code.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case ProtocolError:
		return "protocol_error"
	case NotFound:
		return "not_found"
	case AuthFailed:
		return "auth_failed"
	case MalformedInput:
		return "malformed_input"
	case CryptoError:
		return "crypto_error"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying a Kind the daemon can switch on to pick
// a wire rc and a connection-handling policy, generalizing the sentinel
// errors.New values used for parse failures into something dispatchable.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind for op, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// RC maps a Kind to the wire response code sent back to the client.
// ProtocolError never reaches this: the connection is closed before a
// response would be framed.
func (k Kind) RC() int32 {
	switch k {
	case NotFound, MalformedInput, CryptoError:
		return -1
	case AuthFailed:
		return -2
	default:
		return -1
	}
}
