// Package bidimap provides an injective two-way mapping between two key
// spaces with O(1) lookup in either direction. The relay uses it to correlate
// punch tokens with connection ids; the table is written from the punch
// coordinator's goroutine and read from the dispatch loop, so all operations
// are safe for concurrent use.
package bidimap

import (
	"sync"

	"github.com/beacon-project/beacon/internal/protocol"
)

// Map holds pairs (a, b) such that every a maps to exactly one b and vice
// versa.
type Map[A comparable, B comparable] struct {
	mu      sync.RWMutex
	forward map[A]B
	reverse map[B]A
}

// New returns an empty Map.
func New[A comparable, B comparable]() *Map[A, B] {
	return &Map[A, B]{
		forward: make(map[A]B),
		reverse: make(map[B]A),
	}
}

// Insert adds the pair (a, b). If either key already exists on its side, the
// map is left unchanged and protocol.ErrDuplicateKey is returned.
func (m *Map[A, B]) Insert(a A, b B) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.forward[a]; exists {
		return protocol.ErrDuplicateKey
	}
	if _, exists := m.reverse[b]; exists {
		return protocol.ErrDuplicateKey
	}

	m.forward[a] = b
	m.reverse[b] = a
	return nil
}

// LookupByA returns the b paired with a.
func (m *Map[A, B]) LookupByA(a A) (B, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.forward[a]
	return b, ok
}

// LookupByB returns the a paired with b.
func (m *Map[A, B]) LookupByB(b B) (A, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.reverse[b]
	return a, ok
}

// RemoveByA deletes the pair keyed by a from both directions.
func (m *Map[A, B]) RemoveByA(a A) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.forward[a]; ok {
		delete(m.forward, a)
		delete(m.reverse, b)
	}
}

// RemoveByB deletes the pair keyed by b from both directions.
func (m *Map[A, B]) RemoveByB(b B) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.reverse[b]; ok {
		delete(m.reverse, b)
		delete(m.forward, a)
	}
}

// Len returns the number of pairs.
func (m *Map[A, B]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.forward)
}
