package testutil

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIDGenerator_Sequential(t *testing.T) {
	gen := NewIDGenerator()

	assert.Equal(t, "00000000-0000-0000-0000-000000000001", gen.Next().String())
	assert.Equal(t, "00000000-0000-0000-0000-000000000002", gen.Next().String())
	assert.Equal(t, ID(3), gen.Next())
}

func TestIDGenerator_Reset(t *testing.T) {
	gen := NewIDGenerator()
	gen.Next()
	gen.Next()

	gen.Reset()
	assert.Equal(t, ID(1), gen.Next())
}

func TestIDGenerator_HexEncodesLargeCounters(t *testing.T) {
	assert.Equal(t, "00000000-0000-0000-0000-00000000001a", ID(26).String())
}

func TestIDGenerator_ConcurrentUnique(t *testing.T) {
	gen := NewIDGenerator()
	const n = 100

	var mu sync.Mutex
	seen := make(map[uuid.UUID]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.Next()
			mu.Lock()
			seen[id] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
}
