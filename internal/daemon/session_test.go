// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package daemon

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenRegistryAddAndIsUnlocked(t *testing.T) {
	r := NewTokenRegistry()

	assert.False(t, r.IsUnlocked("softhsm2-token"))
	r.Add("softhsm2-token")
	assert.True(t, r.IsUnlocked("softhsm2-token"))
	assert.False(t, r.IsUnlocked("other-token"))
}

func TestTokenRegistryAddIsIdempotent(t *testing.T) {
	r := NewTokenRegistry()
	r.Add("token-a")
	r.Add("token-a")
	r.Add("token-a")
	assert.Equal(t, []string{"token-a"}, r.Names())
}

func TestTokenRegistryNamesStaySorted(t *testing.T) {
	r := NewTokenRegistry()
	r.Add("zebra")
	r.Add("apple")
	r.Add("mango")
	assert.Equal(t, []string{"apple", "mango", "zebra"}, r.Names())
}

func TestTokenRegistryConcurrentAdds(t *testing.T) {
	r := NewTokenRegistry()
	var wg sync.WaitGroup
	names := []string{"a", "b", "c", "d", "e", "f"}
	for _, n := range names {
		n := n
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Add(n)
		}()
	}
	wg.Wait()

	for _, n := range names {
		assert.True(t, r.IsUnlocked(n))
	}
}
