package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// RequestDelegate handles one request for a FakedContext.
type RequestDelegate func(ctx context.Context, fc *FakedContext, req xrm.Request) (xrm.Response, error)

// Middleware wraps the rest of the pipeline.
type Middleware func(next RequestDelegate) RequestDelegate

// Builder collects configuration steps and middleware, then builds a
// FakedContext. A Builder is single use.
type Builder struct {
	configure  []func(*FakedContext) error
	middleware []Middleware
}

// New creates an empty builder.
func New() *Builder {
	return &Builder{}
}

// Add queues a configuration step. Steps run in order during Build.
func (b *Builder) Add(fn func(*FakedContext) error) *Builder {
	b.configure = append(b.configure, fn)
	return b
}

// Use appends a middleware. The first Use is the outermost.
func (b *Builder) Use(m Middleware) *Builder {
	b.middleware = append(b.middleware, m)
	return b
}

// Build runs the configuration steps, wires the pipeline services they
// asked for and composes the middleware. Requests nothing handled fail
// with ErrNoExecutor.
func (b *Builder) Build() (*FakedContext, error) {
	fc := &FakedContext{
		logger:    slog.Default(),
		newID:     uuid.New,
		executors: map[string]MessageExecutor{},
	}

	for _, fn := range b.configure {
		if err := fn(fc); err != nil {
			fc.Close()
			return nil, err
		}
	}
	if err := fc.wirePipeline(); err != nil {
		fc.Close()
		return nil, err
	}

	var handler RequestDelegate = func(_ context.Context, _ *FakedContext, req xrm.Request) (xrm.Response, error) {
		return nil, fmt.Errorf("%w: %s", ErrNoExecutor, req.RequestName())
	}
	for i := len(b.middleware) - 1; i >= 0; i-- {
		handler = b.middleware[i](handler)
	}
	fc.handler = handler

	fc.logger.Debug("faked context built",
		"middleware", len(b.middleware),
		"pipeline", fc.pipelineAdded,
		"crud", fc.store != nil)
	return fc, nil
}

// AddCrud backs the context with a fresh in-memory entity store.
func (b *Builder) AddCrud() *Builder {
	return b.Add(func(fc *FakedContext) error {
		s, err := store.Open(store.MemoryPath)
		if err != nil {
			return fmt.Errorf("add crud: %w", err)
		}
		fc.setStore(s, true)
		return nil
	})
}

// AddCrudWithStore backs the context with s. The caller keeps ownership:
// Close does not close s.
func (b *Builder) AddCrudWithStore(s *store.Store) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.setStore(s, false)
		return nil
	})
}

// AddLogger sets the logger used by the context and the pipeline.
func (b *Builder) AddLogger(l *slog.Logger) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.logger = l
		return nil
	})
}

// AddMetrics records request and step metrics into m.
func (b *Builder) AddMetrics(m *pipeline.Metrics) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.metrics = m
		return nil
	})
}

// AddTracer sets the tracer for stage and step spans.
func (b *Builder) AddTracer(t trace.Tracer) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.tracer = t
		return nil
	})
}

// AddIDGenerator overrides the ids given to created records and
// registered steps.
func (b *Builder) AddIDGenerator(gen func() uuid.UUID) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.newID = gen
		return nil
	})
}

// AddSequencer sets the source of audit sequence numbers. Without it a
// fresh pipeline.Clock is used, or the database numbers the records when
// the audit is persisted.
func (b *Builder) AddSequencer(seq pipeline.Sequencer) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.clock = seq
		return nil
	})
}
