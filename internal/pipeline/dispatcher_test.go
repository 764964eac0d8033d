package pipeline

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

func updateInput(target *xrm.Entity) StageInput {
	return StageInput{
		MessageName:     xrm.MessageUpdate,
		Stage:           StagePreoperation,
		Mode:            ModeSynchronous,
		Depth:           1,
		Request:         &xrm.UpdateRequest{Target: target},
		Target:          xrm.EntityTarget(target),
		SharedVariables: map[string]any{},
	}
}

func TestDispatcher_FailFastWithinStage(t *testing.T) {
	registry := NewRegistry(nil)
	audit := NewMemoryAuditLog()
	d := NewDispatcher(registry, WithAuditLog(audit))

	rec := &recorder{}
	for _, reg := range []StepRegistration{
		{PluginType: "first", Rank: 1, Plugin: rec.plugin("first")},
		{PluginType: "boom", Rank: 2, Plugin: failingPlugin(errStepBoom)},
		{PluginType: "never", Rank: 3, Plugin: rec.plugin("never")},
	} {
		reg.MessageName = xrm.MessageUpdate
		reg.Stage = StagePreoperation
		_, err := registry.Register(reg)
		require.NoError(t, err)
	}

	target := &xrm.Entity{LogicalName: "account", ID: uuid.New()}
	err := d.Dispatch(context.Background(), updateInput(target))
	assert.Same(t, errStepBoom, err)
	assert.Len(t, rec.calls, 1)

	records, err := CollectAudit(context.Background(), audit)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].PluginType)
	assert.False(t, records[0].Failed)
	assert.Equal(t, "boom", records[1].PluginType)
	assert.True(t, records[1].Failed)
}

func TestDispatcher_FilteringAttributes(t *testing.T) {
	registry := NewRegistry(nil)
	d := NewDispatcher(registry)
	rec := &recorder{}
	_, err := registry.Register(StepRegistration{
		MessageName:         xrm.MessageUpdate,
		Stage:               StagePreoperation,
		FilteringAttributes: []string{"name", "revenue"},
		Plugin:              rec.plugin("filtered"),
	})
	require.NoError(t, err)

	id := uuid.New()
	unrelated := &xrm.Entity{LogicalName: "account", ID: id, Attributes: xrm.Attributes{"telephone1": xrm.String("555")}}
	require.NoError(t, d.Dispatch(context.Background(), updateInput(unrelated)))
	assert.Empty(t, rec.calls)

	relevant := &xrm.Entity{LogicalName: "account", ID: id, Attributes: xrm.Attributes{"revenue": xrm.Money(5)}}
	require.NoError(t, d.Dispatch(context.Background(), updateInput(relevant)))
	assert.Len(t, rec.calls, 1)
}

func TestDispatcher_NamedImagesAreProjected(t *testing.T) {
	registry := NewRegistry(nil)
	d := NewDispatcher(registry)
	rec := &recorder{}
	_, err := registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate,
		Stage:       StagePostoperation,
		Images: []ImageRegistration{
			{Name: "pre", Type: ImageTypePre, Attributes: []string{"name"}},
			{Name: "both", Type: ImageTypeBoth},
		},
		Plugin: rec.plugin("images"),
	})
	require.NoError(t, err)

	id := uuid.New()
	pre := &xrm.Entity{LogicalName: "account", ID: id, Attributes: xrm.Attributes{"name": xrm.String("Old"), "revenue": xrm.Money(1)}}
	post := &xrm.Entity{LogicalName: "account", ID: id, Attributes: xrm.Attributes{"name": xrm.String("New"), "revenue": xrm.Money(1)}}

	in := updateInput(post)
	in.Stage = StagePostoperation
	in.PreImage = pre
	in.PostImage = post
	require.NoError(t, d.Dispatch(context.Background(), in))
	require.Len(t, rec.calls, 1)

	exec := rec.calls[0].Exec
	require.Contains(t, exec.PreEntityImages, "pre")
	assert.Equal(t, xrm.Attributes{"name": xrm.String("Old")}, exec.PreEntityImages["pre"].Attributes)
	assert.Len(t, exec.PreEntityImages["both"].Attributes, 2)
	assert.NotContains(t, exec.PostEntityImages, "pre")
	assert.Equal(t, "New", exec.PostEntityImages["both"].GetString("name"))
	assert.Equal(t, id, exec.PrimaryEntityID)
	assert.Equal(t, "account", exec.PrimaryEntityName)
}

func TestDispatcher_ImagesAreCopiedPerStep(t *testing.T) {
	registry := NewRegistry(nil)
	d := NewDispatcher(registry)
	var second *xrm.Entity
	_, err := registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Rank: 1,
		Plugin: PluginFunc(func(_ context.Context, exec *ExecutionContext) error {
			exec.PreImage().Set("name", xrm.String("tampered"))
			return nil
		}),
	})
	require.NoError(t, err)
	_, err = registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Rank: 2,
		Plugin: PluginFunc(func(_ context.Context, exec *ExecutionContext) error {
			second = exec.PreImage()
			return nil
		}),
	})
	require.NoError(t, err)

	target := &xrm.Entity{LogicalName: "account", ID: uuid.New()}
	in := updateInput(target)
	in.PreImage = &xrm.Entity{LogicalName: "account", ID: target.ID, Attributes: xrm.Attributes{"name": xrm.String("original")}}
	require.NoError(t, d.Dispatch(context.Background(), in))

	require.NotNil(t, second)
	assert.Equal(t, "original", second.GetString("name"))
}

type failingAudit struct{ err error }

func (f failingAudit) Append(context.Context, AuditRecord) error { return f.err }
func (f failingAudit) Query(context.Context) (iter.Seq2[AuditRecord, error], error) {
	return nil, f.err
}

func TestDispatcher_AuditAppendFailure(t *testing.T) {
	auditErr := errors.New("audit store full")

	t.Run("surfaces when step succeeds", func(t *testing.T) {
		registry := NewRegistry(nil)
		_, err := registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Plugin: noop})
		require.NoError(t, err)

		d := NewDispatcher(registry, WithAuditLog(failingAudit{auditErr}))
		err = d.Dispatch(context.Background(), updateInput(&xrm.Entity{LogicalName: "account", ID: uuid.New()}))
		require.ErrorIs(t, err, auditErr)
	})

	t.Run("step failure wins", func(t *testing.T) {
		registry := NewRegistry(nil)
		_, err := registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Plugin: failingPlugin(errStepBoom)})
		require.NoError(t, err)

		d := NewDispatcher(registry, WithAuditLog(failingAudit{auditErr}))
		err = d.Dispatch(context.Background(), updateInput(&xrm.Entity{LogicalName: "account", ID: uuid.New()}))
		assert.Same(t, errStepBoom, err)
	})
}

func TestDispatcher_Spans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	registry := NewRegistry(nil)
	_, err := registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, PluginType: "ok", Rank: 1, Plugin: noop})
	require.NoError(t, err)
	_, err = registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, PluginType: "boom", Rank: 2, Plugin: failingPlugin(errStepBoom)})
	require.NoError(t, err)

	d := NewDispatcher(registry, WithTracer(provider.Tracer("test")))
	err = d.Dispatch(context.Background(), updateInput(&xrm.Entity{LogicalName: "account", ID: uuid.New()}))
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	// Children end before the parent.
	assert.Equal(t, "pipeline.step", spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, "pipeline.step", spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "pipeline.stage", spans[2].Name)
	assert.Equal(t, codes.Error, spans[2].Status.Code)
	assert.Equal(t, spans[2].SpanContext.SpanID(), spans[0].Parent.SpanID())
}

func TestDispatcher_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	registry := NewRegistry(nil)
	_, err := registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Rank: 1, Plugin: noop})
	require.NoError(t, err)
	_, err = registry.Register(StepRegistration{MessageName: xrm.MessageUpdate, Stage: StagePreoperation, Rank: 2, Plugin: failingPlugin(errStepBoom)})
	require.NoError(t, err)

	d := NewDispatcher(registry, WithMetrics(metrics))
	_ = d.Dispatch(context.Background(), updateInput(&xrm.Entity{LogicalName: "account", ID: uuid.New()}))

	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.executions.WithLabelValues("Update", "Preoperation", "Synchronous", "success")))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.executions.WithLabelValues("Update", "Preoperation", "Synchronous", "error")))
	assert.Equal(t, 1, promtestutil.CollectAndCount(metrics.duration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("Create", true)
		m.RecordStep("Create", StagePreoperation, ModeSynchronous, 0, nil)
	})
}

func TestDispatcher_ConcurrentAppendsFollowSeqOrder(t *testing.T) {
	registry := NewRegistry(nil)
	audit := NewMemoryAuditLog()
	d := NewDispatcher(registry, WithAuditLog(audit))
	_, err := registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate,
		Stage:       StagePreoperation,
		Plugin:      PluginFunc(func(context.Context, *ExecutionContext) error { return nil }),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			target := &xrm.Entity{LogicalName: "account", ID: uuid.New()}
			assert.NoError(t, d.Dispatch(context.Background(), updateInput(target)))
		}()
	}
	wg.Wait()

	records, err := CollectAudit(context.Background(), audit)
	require.NoError(t, err)
	require.Len(t, records, 64)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
}

// numberingLog allocates seqs itself, like a shared database.
type numberingLog struct {
	MemoryAuditLog
	next int64
}

func (l *numberingLog) AppendNext(ctx context.Context, rec AuditRecord) (int64, error) {
	l.next += 10
	rec.Seq = l.next
	return rec.Seq, l.Append(ctx, rec)
}

func TestDispatcher_LogAllocatedSeq(t *testing.T) {
	registry := NewRegistry(nil)
	audit := &numberingLog{}
	d := NewDispatcher(registry, WithAuditLog(audit), WithSequencer(nil))
	_, err := registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate,
		Stage:       StagePreoperation,
		Plugin:      PluginFunc(func(context.Context, *ExecutionContext) error { return nil }),
	})
	require.NoError(t, err)

	for range 2 {
		target := &xrm.Entity{LogicalName: "account", ID: uuid.New()}
		require.NoError(t, d.Dispatch(context.Background(), updateInput(target)))
	}

	records, err := CollectAudit(context.Background(), audit)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, int64(10), records[0].Seq)
	assert.Equal(t, int64(20), records[1].Seq)
}

func TestDispatcher_NilSequencerWithoutAllocatorUsesClock(t *testing.T) {
	registry := NewRegistry(nil)
	audit := NewMemoryAuditLog()
	d := NewDispatcher(registry, WithAuditLog(audit), WithSequencer(nil))
	_, err := registry.Register(StepRegistration{
		MessageName: xrm.MessageUpdate,
		Stage:       StagePreoperation,
		Plugin:      PluginFunc(func(context.Context, *ExecutionContext) error { return nil }),
	})
	require.NoError(t, err)

	target := &xrm.Entity{LogicalName: "account", ID: uuid.New()}
	require.NoError(t, d.Dispatch(context.Background(), updateInput(target)))

	records, err := CollectAudit(context.Background(), audit)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, int64(1), records[0].Seq)
}
