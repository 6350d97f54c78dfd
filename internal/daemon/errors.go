// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import "errors"

// ErrBadVersion, ErrShortBody and ErrMalformedString are protocol
// violations: they close the offending connection and never produce a
// RESPONSE frame. ErrAlreadyRunning and ErrPrivilegedUser are startup
// failures.
var (
	ErrBadVersion       = errors.New("daemon: bad protocol version")
	ErrShortBody        = errors.New("daemon: body shorter than header.size")
	ErrMalformedString  = errors.New("daemon: malformed framed string")
	ErrAlreadyRunning   = errors.New("daemon: another instance is already listening on the socket")
	ErrPrivilegedUser   = errors.New("daemon: refusing to run as uid 0 or gid 0")
)

// errUnknownFormat is MalformedInput per the Open Question resolution:
// SIGN_ATTACHED/SIGN_DETACHED with an unrecognized file_format still
// gets a response (rc=-1), never a silently dropped connection.
var errUnknownFormat = errors.New("daemon: unknown file_format")
