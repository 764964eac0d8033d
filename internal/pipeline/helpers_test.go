package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// memLookup is an EntityLookup over a map, counting reads.
type memLookup struct {
	mu      sync.Mutex
	records map[uuid.UUID]*xrm.Entity
	reads   int
	err     error
}

func newMemLookup(entities ...*xrm.Entity) *memLookup {
	l := &memLookup{records: map[uuid.UUID]*xrm.Entity{}}
	for _, e := range entities {
		l.records[e.ID] = e.Clone()
	}
	return l
}

func (l *memLookup) GetEntityByID(_ context.Context, logicalName string, id uuid.UUID) (*xrm.Entity, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.err != nil {
		return nil, l.err
	}
	e, ok := l.records[id]
	if !ok || e.LogicalName != logicalName {
		return nil, xrm.ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (l *memLookup) put(e *xrm.Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[e.ID] = e.Clone()
}

func (l *memLookup) remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, id)
}

// sequentialIDs returns a generator of predictable UUIDs.
func sequentialIDs() func() uuid.UUID {
	var n byte
	return func() uuid.UUID {
		n++
		var id uuid.UUID
		id[15] = n
		return id
	}
}

// captured is what a recording plugin saw.
type captured struct {
	Stage     Stage
	Mode      Mode
	PreImage  *xrm.Entity
	PostImage *xrm.Entity
	Exec      *ExecutionContext
}

type recorder struct {
	mu    sync.Mutex
	calls []captured
}

func (r *recorder) plugin(name string) Plugin {
	return PluginFunc(func(_ context.Context, exec *ExecutionContext) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, captured{
			Stage:     exec.Stage,
			Mode:      exec.Mode,
			PreImage:  exec.PreImage(),
			PostImage: exec.PostImage(),
			Exec:      exec,
		})
		exec.SharedVariables["last"] = name
		return nil
	})
}

func failingPlugin(err error) Plugin {
	return PluginFunc(func(context.Context, *ExecutionContext) error {
		return err
	})
}

var errStepBoom = errors.New("step boom")

// testHarness wires an engine with an in-memory audit log.
type testHarness struct {
	registry *Registry
	audit    *MemoryAuditLog
	lookup   *memLookup
	engine   *Engine
}

func newTestHarness(t *testing.T, opts Options, lookup *memLookup) *testHarness {
	t.Helper()
	if lookup == nil {
		lookup = newMemLookup()
	}
	h := &testHarness{
		registry: NewRegistry(nil),
		lookup:   lookup,
	}
	h.registry.SetIDGenerator(sequentialIDs())

	var dopts []DispatcherOption
	if opts.UsePluginStepAudit {
		h.audit = NewMemoryAuditLog()
		dopts = append(dopts, WithAuditLog(h.audit))
	}
	dispatcher := NewDispatcher(h.registry, dopts...)
	h.engine = NewEngine(opts, NewImageResolver(lookup, DefaultImagePolicy()), dispatcher)
	return h
}

func (h *testHarness) register(t *testing.T, reg StepRegistration) StepRegistration {
	t.Helper()
	stored, err := h.registry.Register(reg)
	require.NoError(t, err)
	return stored
}

// crudNext simulates the core operation against the lookup.
func crudNext(lookup *memLookup, calls *int) Next {
	return func(_ context.Context, req xrm.Request) (xrm.Response, error) {
		*calls++
		switch r := req.(type) {
		case *xrm.CreateRequest:
			if r.Target.ID == uuid.Nil {
				r.Target.ID = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
			}
			lookup.put(r.Target)
			return xrm.CreateResponse{ID: r.Target.ID}, nil
		case *xrm.UpdateRequest:
			current, err := lookup.GetEntityByID(context.Background(), r.Target.LogicalName, r.Target.ID)
			if err != nil {
				return nil, err
			}
			lookup.put(current.Merge(r.Target))
			return xrm.UpdateResponse{}, nil
		case *xrm.DeleteRequest:
			lookup.remove(r.Target.ID)
			return xrm.DeleteResponse{}, nil
		default:
			return xrm.OrganizationResponse{Name: req.RequestName()}, nil
		}
	}
}
