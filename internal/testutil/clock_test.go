package testutil

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

func TestDeterministicClock_NextAndReset(t *testing.T) {
	clock := NewDeterministicClock()
	assert.Equal(t, int64(0), clock.Current())

	assert.Equal(t, int64(1), clock.Next())
	assert.Equal(t, int64(2), clock.Next())
	assert.Equal(t, int64(2), clock.Current())

	clock.Reset()
	assert.Equal(t, int64(0), clock.Current())
	assert.Equal(t, int64(1), clock.Next())
}

func TestDeterministicClock_ThreadSafe(t *testing.T) {
	clock := NewDeterministicClock()
	const workers, calls = 50, 100

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				v := clock.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*calls)
	assert.Equal(t, int64(workers*calls), clock.Current())
}

func TestDeterministicClock_SequencesAuditRecords(t *testing.T) {
	clock := NewDeterministicClock()
	clock.Next()
	clock.Next()

	audit := pipeline.NewMemoryAuditLog()
	registry := pipeline.NewRegistry(nil)
	_, err := registry.Register(pipeline.StepRegistration{
		MessageName: xrm.MessageCreate,
		Stage:       pipeline.StagePreoperation,
		Plugin:      pipeline.PluginFunc(func(context.Context, *pipeline.ExecutionContext) error { return nil }),
	})
	require.NoError(t, err)

	d := pipeline.NewDispatcher(registry, pipeline.WithAuditLog(audit), pipeline.WithSequencer(clock))
	err = d.Dispatch(context.Background(), pipeline.StageInput{
		MessageName: xrm.MessageCreate,
		Stage:       pipeline.StagePreoperation,
		Mode:        pipeline.ModeSynchronous,
		Depth:       1,
		Target:      xrm.EntityTarget(xrm.NewEntity("account")),
	})
	require.NoError(t, err)

	records, err := pipeline.CollectAudit(context.Background(), audit)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].Seq)
}
