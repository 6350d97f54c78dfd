// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"bytes"
	"crypto"
	"hash"
	"io"
)

// Authentihash computes the SHA-256 Authenticode digest of the image.
func (pe *File) Authentihash() ([]byte, error) {
	sums, err := pe.AuthentihashExt(crypto.SHA256.New())
	if err != nil {
		return nil, err
	}
	return sums[0], nil
}

// AuthentihashExt streams the image through every given hasher in lock
// step, over the hashable ranges computed by HashableRanges. Computing
// several digests in one pass is what lets the signer produce a SHA-1 and
// a SHA-256 Authenticode signature from a single read of a potentially
// large kernel image.
func (pe *File) AuthentihashExt(hashers ...hash.Hash) ([][]byte, error) {
	ranges, err := pe.HashableRanges()
	if err != nil {
		return nil, err
	}

	var rd io.ReaderAt
	if pe.f != nil {
		rd = pe.f
	} else {
		rd = bytes.NewReader(pe.data)
	}

	writers := make([]io.Writer, len(hashers))
	for i, hasher := range hashers {
		writers[i] = hasher
	}
	w := io.MultiWriter(writers...)

	for _, r := range ranges {
		if r.End <= r.Start {
			continue
		}
		sr := io.NewSectionReader(rd, int64(r.Start), int64(r.End)-int64(r.Start))
		if _, err := io.Copy(w, sr); err != nil {
			return nil, err
		}
	}

	ret := make([][]byte, 0, len(hashers))
	for _, hasher := range hashers {
		ret = append(ret, hasher.Sum(nil))
	}
	return ret, nil
}

// DigestSet holds an Authenticode digest for one or more algorithms,
// keyed by crypto.Hash, as produced in a single AuthentihashExt pass.
type DigestSet map[crypto.Hash][]byte

// ComputeDigests computes the Authenticode digest for every requested
// algorithm in one pass over the image.
func (pe *File) ComputeDigests(algs ...crypto.Hash) (DigestSet, error) {
	hashers := make([]hash.Hash, len(algs))
	for i, alg := range algs {
		hashers[i] = alg.New()
	}

	sums, err := pe.AuthentihashExt(hashers...)
	if err != nil {
		return nil, err
	}

	out := make(DigestSet, len(algs))
	for i, alg := range algs {
		out[alg] = sums[i]
	}
	return out, nil
}
