// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"sort"
	"sync"
)

// TokenRegistry is the Unlocked-Token Registry: the set of token names
// for which authentication has succeeded in this process. Entries are
// never removed; membership only grows for the life of the daemon.
// Kept sorted so lookups are binary search rather than linear scan,
// matching the spec's "sorted for binary-search lookup" invariant.
type TokenRegistry struct {
	mu    sync.Mutex
	names []string
}

// NewTokenRegistry returns an empty registry.
func NewTokenRegistry() *TokenRegistry {
	return &TokenRegistry{}
}

// Add records name as unlocked. Safe to call more than once for the
// same name.
func (r *TokenRegistry) Add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.SearchStrings(r.names, name)
	if i < len(r.names) && r.names[i] == name {
		return
	}
	r.names = append(r.names, "")
	copy(r.names[i+1:], r.names[i:])
	r.names[i] = name
}

// IsUnlocked reports whether name has ever been added.
func (r *TokenRegistry) IsUnlocked(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := sort.SearchStrings(r.names, name)
	return i < len(r.names) && r.names[i] == name
}

// Names returns a snapshot of every unlocked token name, sorted.
func (r *TokenRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
