package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
)

// auditPageSize bounds how many records a Query iterator holds at once.
const auditPageSize = 256

// ErrAuditSeqTaken is returned by Append when the seq is already recorded.
var ErrAuditSeqTaken = errors.New("audit seq already recorded")

var (
	_ pipeline.AuditLog     = (*AuditLog)(nil)
	_ pipeline.SeqAllocator = (*AuditLog)(nil)
)

// AuditLog persists pipeline audit records in plugin_step_audit.
// It implements pipeline.AuditLog.
type AuditLog struct {
	store *Store
}

// AuditLog returns the persisted step audit backed by s.
func (s *Store) AuditLog() *AuditLog {
	return &AuditLog{store: s}
}

// Append inserts rec under rec.Seq. A seq that is already recorded fails
// with ErrAuditSeqTaken; the stored record is left as it was.
func (l *AuditLog) Append(ctx context.Context, rec pipeline.AuditRecord) error {
	_, err := l.store.db.ExecContext(ctx, `
		INSERT INTO plugin_step_audit
		(seq, message_name, stage, mode, plugin_type, step_id, entity_logical_name, depth, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, append([]any{rec.Seq}, auditColumns(rec)...)...)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("append audit record %d: %w", rec.Seq, ErrAuditSeqTaken)
	}
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// AppendNext inserts rec under the next free seq and returns it. SQLite
// picks the seq inside the insert, so contexts and processes sharing one
// database never collide. rec.Seq is ignored.
func (l *AuditLog) AppendNext(ctx context.Context, rec pipeline.AuditRecord) (int64, error) {
	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO plugin_step_audit
		(message_name, stage, mode, plugin_type, step_id, entity_logical_name, depth, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, auditColumns(rec)...)
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append audit record: %w", err)
	}
	return seq, nil
}

func auditColumns(rec pipeline.AuditRecord) []any {
	failed := 0
	if rec.Failed {
		failed = 1
	}
	return []any{
		rec.MessageName,
		int(rec.Stage),
		int(rec.Mode),
		rec.PluginType,
		rec.StepID.String(),
		rec.EntityLogicalName,
		rec.Depth,
		failed,
	}
}

// Query returns the records present when Query is called, in seq order.
//
// The sequence is lazy: rows are read in pages as the caller ranges over
// it, and the connection is released between pages so the caller may use
// the store while iterating. Records appended after Query are never
// yielded. The sequence can be ranged over repeatedly.
func (l *AuditLog) Query(ctx context.Context) (iter.Seq2[pipeline.AuditRecord, error], error) {
	upTo, err := l.MaxSeq(ctx)
	if err != nil {
		return nil, err
	}

	return func(yield func(pipeline.AuditRecord, error) bool) {
		after := int64(0)
		for {
			page, err := l.readPage(ctx, after, upTo)
			if err != nil {
				yield(pipeline.AuditRecord{}, err)
				return
			}
			for _, rec := range page {
				if !yield(rec, nil) {
					return
				}
			}
			if len(page) < auditPageSize {
				return
			}
			after = page[len(page)-1].Seq
		}
	}, nil
}

// MaxSeq returns the highest persisted seq, 0 when the audit is empty.
func (l *AuditLog) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := l.store.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM plugin_step_audit
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("audit max seq: %w", err)
	}
	return seq, nil
}

func (l *AuditLog) readPage(ctx context.Context, after, upTo int64) ([]pipeline.AuditRecord, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT seq, message_name, stage, mode, plugin_type, step_id, entity_logical_name, depth, failed
		FROM plugin_step_audit
		WHERE seq > ? AND seq <= ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, upTo, auditPageSize)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var page []pipeline.AuditRecord
	for rows.Next() {
		var (
			rec    pipeline.AuditRecord
			stage  int
			mode   int
			stepID string
			failed int
		)
		if err := rows.Scan(&rec.Seq, &rec.MessageName, &stage, &mode, &rec.PluginType,
			&stepID, &rec.EntityLogicalName, &rec.Depth, &failed); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Stage = pipeline.Stage(stage)
		rec.Mode = pipeline.Mode(mode)
		rec.Failed = failed != 0
		if rec.StepID, err = uuid.Parse(stepID); err != nil {
			return nil, fmt.Errorf("scan audit record %d: step id: %w", rec.Seq, err)
		}
		page = append(page, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return page, nil
}
