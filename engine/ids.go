package engine

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sync"
)

// hashID returns the canonical memoization key for a final (collision
// resolved) userland step id: lowercase hex SHA-1 over its UTF-8 bytes.
func hashID(id string) string {
	sum := sha1.Sum([]byte(id))
	return hex.EncodeToString(sum[:])
}

// idAllocator resolves userland id collisions deterministically within a
// single execution. The same base id used twice in one run receives ":2",
// ":3", and so on in discovery order, regardless of goroutine
// interleaving.
type idAllocator struct {
	mu       sync.Mutex
	counters map[string]int // base id -> next N to try
	claimed  map[string]bool
	warned   bool
	onWarn   func() // fired at most once per run, on the first collision
}

func newIDAllocator() *idAllocator {
	return &idAllocator{
		counters: make(map[string]int),
		claimed:  make(map[string]bool),
	}
}

// resolve claims a final id and hashed id for base. It returns the final
// userland id and its hash.
//
// knownHashed is queried for each candidate so that a hashed id already
// present in this replay's discovered steps counts as taken and the next
// free suffix is chosen instead. Claiming the bare id at first use keeps two concurrent
// calls with the same base consistent: one becomes base, the other base:2,
// in whichever order they arrive.
func (a *idAllocator) resolve(base string, knownHashed func(hashed string) bool) (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n, seen := a.counters[base]
	if !seen {
		a.counters[base] = 2
		final := base
		h := hashID(final)
		if a.claimed[h] || knownHashed(h) {
			// Someone already produced this exact hashed id (rare: an
			// explicit userland id collided with another base id's hash).
			return a.resolveCollision(base, 2, knownHashed)
		}
		a.claimed[h] = true
		return final, h, nil
	}

	return a.resolveCollision(base, n, knownHashed)
}

func (a *idAllocator) resolveCollision(base string, start int, knownHashed func(hashed string) bool) (string, string, error) {
	maxDiscovered := len(a.claimed)
	for n := start; n <= maxDiscovered+2; n++ {
		final := fmt.Sprintf("%s:%d", base, n)
		h := hashID(final)
		if a.claimed[h] || knownHashed(h) {
			continue
		}
		a.claimed[h] = true
		a.counters[base] = n + 1
		if !a.warned {
			a.warned = true
			if a.onWarn != nil {
				a.onWarn()
			}
		}
		return final, h, nil
	}
	return "", "", fmt.Errorf("%w: exhausted collision slots for id %q", ErrUnreachable, base)
}
