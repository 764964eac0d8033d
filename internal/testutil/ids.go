package testutil

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator hands out sequential UUIDs:
//
//	00000000-0000-0000-0000-000000000001
//	00000000-0000-0000-0000-000000000002
//	...
//
// Scenarios that create records and register steps through the same
// generator produce the same ids on every run, so golden traces are stable.
//
// Thread-safety: safe for concurrent use.
type IDGenerator struct {
	mu sync.Mutex
	n  uint64
}

// NewIDGenerator creates a generator whose first Next() returns ID(1).
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{}
}

// Next returns the next id.
func (g *IDGenerator) Next() uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return ID(g.n)
}

// Reset restarts the sequence.
func (g *IDGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n = 0
}

// ID returns the n-th id of the sequence.
func ID(n uint64) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012x", n))
}
