// Package keylock provides critical sections keyed by arbitrary string
// tokens, backed by a fixed set of striped mutexes.
//
// A caller locks every token of an identity at once. Stripes are always
// acquired in ascending order, so two callers locking overlapping sets
// cannot deadlock. Tokens that hash to the same stripe merely serialize.
package keylock

import (
	"slices"
	"sync"

	"github.com/cespare/xxhash"
)

const DefaultStripes = 1024

// Locks is a striped lock table.
type Locks struct {
	stripes []sync.Mutex
}

// New creates a lock table with n stripes (DefaultStripes if n <= 0).
func New(n int) *Locks {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Locks{stripes: make([]sync.Mutex, n)}
}

// Stripes returns the number of stripes in the table.
func (l *Locks) Stripes() int { return len(l.stripes) }

// Held is a set of acquired stripes.
type Held struct {
	l       *Locks
	stripes []int
}

func (l *Locks) stripe(token string) int {
	return int(xxhash.Sum64String(token) % uint64(len(l.stripes)))
}

func (l *Locks) indices(tokens []string) []int {
	idx := make([]int, 0, len(tokens))
	for _, t := range tokens {
		idx = append(idx, l.stripe(t))
	}
	slices.Sort(idx)
	return slices.Compact(idx)
}

// Lock blocks until every stripe covering tokens is held.
func (l *Locks) Lock(tokens ...string) *Held {
	idx := l.indices(tokens)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return &Held{l: l, stripes: idx}
}

// Covers reports whether every token maps to a stripe already held.
func (h *Held) Covers(tokens ...string) bool {
	for _, t := range tokens {
		if _, ok := slices.BinarySearch(h.stripes, h.l.stripe(t)); !ok {
			return false
		}
	}
	return true
}

// Unlock releases the held stripes. It is safe to call more than once.
func (h *Held) Unlock() {
	for i := len(h.stripes) - 1; i >= 0; i-- {
		h.l.stripes[h.stripes[i]].Unlock()
	}
	h.stripes = nil
}
