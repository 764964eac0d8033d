package pipeline

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// AuditRecord is an immutable entry describing one step invocation.
// Created exactly once per invocation; never mutated or removed.
type AuditRecord struct {
	// Seq orders records by append; assigned from the logical clock.
	Seq int64 `json:"seq"`

	MessageName       string    `json:"message_name"`
	Stage             Stage     `json:"stage"`
	Mode              Mode      `json:"mode"`
	PluginType        string    `json:"plugin_type"`
	StepID            uuid.UUID `json:"step_id"`
	EntityLogicalName string    `json:"entity_logical_name,omitempty"`
	Depth             int       `json:"depth"`

	// Failed is true when the step returned an error.
	Failed bool `json:"failed,omitempty"`
}

// AuditLog is the append-only record of step executions.
//
// Query returns a lazy, finite sequence of the records present when Query
// was called, in append order. The sequence can be ranged over repeatedly.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	Query(ctx context.Context) (iter.Seq2[AuditRecord, error], error)
}

// SeqAllocator is implemented by audit logs that number records
// themselves. AppendNext stores rec under the next free seq, ignoring
// rec.Seq, and returns the seq it used. A log shared by several contexts
// or processes must allocate this way: a per-context clock would hand out
// the same seq twice.
type SeqAllocator interface {
	AppendNext(ctx context.Context, rec AuditRecord) (int64, error)
}

// MemoryAuditLog keeps records in memory in append order. Appends are
// serialized; seq order matches append order only when the caller takes
// the seq and appends under one lock, as Dispatcher does.
type MemoryAuditLog struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Append implements AuditLog.
func (l *MemoryAuditLog) Append(_ context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Query implements AuditLog.
func (l *MemoryAuditLog) Query(_ context.Context) (iter.Seq2[AuditRecord, error], error) {
	l.mu.Lock()
	// Records are never rewritten, so the captured prefix stays valid
	// while later appends grow the slice.
	snapshot := l.records[:len(l.records):len(l.records)]
	l.mu.Unlock()

	return func(yield func(AuditRecord, error) bool) {
		for _, rec := range snapshot {
			if !yield(rec, nil) {
				return
			}
		}
	}, nil
}

// Len returns the number of records appended so far.
func (l *MemoryAuditLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// DisabledAuditLog is the audit of a context built without
// UsePluginStepAudit. Query always fails with ErrStepAuditNotEnabled no
// matter how many requests ran.
type DisabledAuditLog struct{}

// Append implements AuditLog.
func (DisabledAuditLog) Append(context.Context, AuditRecord) error {
	return ErrStepAuditNotEnabled
}

// Query implements AuditLog.
func (DisabledAuditLog) Query(context.Context) (iter.Seq2[AuditRecord, error], error) {
	return nil, ErrStepAuditNotEnabled
}

// CollectAudit drains a Query into a slice.
func CollectAudit(ctx context.Context, log AuditLog) ([]AuditRecord, error) {
	seq, err := log.Query(ctx)
	if err != nil {
		return nil, err
	}
	records := []AuditRecord{}
	for rec, err := range seq {
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}
