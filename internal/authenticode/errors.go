// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package authenticode

import "errors"

var (
	errUnsupportedDigest  = errors.New("authenticode: unsupported digest algorithm")
	errNoSignerCert       = errors.New("authenticode: signing identity has no certificate")
	errCertTableNotLast   = errors.New("authenticode: existing certificate table is not at EOF")
	errSignatureTruncated = errors.New("authenticode: key provider returned a truncated signature")
	errUnknownFileFormat  = errors.New("authenticode: unknown file_format, expected pe or kmod")
	errDigestMismatch     = errors.New("authenticode: embedded message digest does not match recomputed Authenticode digest")
)
