package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// ErrEntityExists is returned when creating a record whose id is taken.
var ErrEntityExists = errors.New("entity already exists")

// CreateEntity inserts a new record. The entity must carry an id.
func (s *Store) CreateEntity(ctx context.Context, e *xrm.Entity) error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("create entity %s: id is required", e.LogicalName)
	}
	attrs, hash, err := encodeSnapshot(e)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (logical_name, id, attributes, snapshot_hash, version)
		VALUES (?, ?, ?, ?, 1)
	`, e.LogicalName, e.ID.String(), attrs, hash)
	if err != nil {
		if isPrimaryKeyViolation(err) {
			return fmt.Errorf("create entity %s: %w", e.ToReference(), ErrEntityExists)
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// UpdateEntity overlays the attributes of e onto the stored record and
// returns the merged snapshot.
func (s *Store) UpdateEntity(ctx context.Context, e *xrm.Entity) (*xrm.Entity, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("update entity: begin: %w", err)
	}
	defer tx.Rollback()

	current, err := getEntity(ctx, tx, e.LogicalName, e.ID)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	merged := current.Merge(e)

	attrs, hash, err := encodeSnapshot(merged)
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE entities
		SET attributes = ?, snapshot_hash = ?, version = version + 1
		WHERE logical_name = ? AND id = ?
	`, attrs, hash, e.LogicalName, e.ID.String())
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("update entity: commit: %w", err)
	}
	return merged, nil
}

// DeleteEntity removes a record.
func (s *Store) DeleteEntity(ctx context.Context, ref xrm.EntityReference) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE logical_name = ? AND id = ?
	`, ref.LogicalName, ref.ID.String())
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete entity %s: %w", ref, xrm.ErrEntityNotFound)
	}
	return nil
}

// GetEntityByID returns the stored snapshot of a record. The error wraps
// xrm.ErrEntityNotFound when no such record exists.
func (s *Store) GetEntityByID(ctx context.Context, logicalName string, id uuid.UUID) (*xrm.Entity, error) {
	return getEntity(ctx, s.db, logicalName, id)
}

// RetrieveEntity returns the stored record restricted to columns.
// An empty column list returns every attribute.
func (s *Store) RetrieveEntity(ctx context.Context, ref xrm.EntityReference, columns []string) (*xrm.Entity, error) {
	e, err := s.GetEntityByID(ctx, ref.LogicalName, ref.ID)
	if err != nil {
		return nil, err
	}
	return e.Project(columns), nil
}

// ListEntities returns every record of one type ordered by id.
// Returns an empty slice (not nil) when none exist.
func (s *Store) ListEntities(ctx context.Context, logicalName string) ([]*xrm.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT logical_name, id, attributes
		FROM entities
		WHERE logical_name = ?
		ORDER BY id COLLATE BINARY ASC
	`, logicalName)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	entities := []*xrm.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entities: %w", err)
	}
	return entities, nil
}

// EntityVersion returns how many times a record was written (1 after
// create).
func (s *Store) EntityVersion(ctx context.Context, ref xrm.EntityReference) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM entities WHERE logical_name = ? AND id = ?
	`, ref.LogicalName, ref.ID.String()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("entity version %s: %w", ref, xrm.ErrEntityNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("entity version: %w", err)
	}
	return version, nil
}

// SnapshotHash returns the stored content hash of a record.
func (s *Store) SnapshotHash(ctx context.Context, ref xrm.EntityReference) (string, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `
		SELECT snapshot_hash FROM entities WHERE logical_name = ? AND id = ?
	`, ref.LogicalName, ref.ID.String()).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("snapshot hash %s: %w", ref, xrm.ErrEntityNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("snapshot hash: %w", err)
	}
	return hash, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntity(ctx context.Context, q queryer, logicalName string, id uuid.UUID) (*xrm.Entity, error) {
	row := q.QueryRowContext(ctx, `
		SELECT logical_name, id, attributes
		FROM entities
		WHERE logical_name = ? AND id = ?
	`, logicalName, id.String())

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s(%s): %w", logicalName, id, xrm.ErrEntityNotFound)
	}
	return e, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(sc scanner) (*xrm.Entity, error) {
	var (
		logicalName string
		idStr       string
		attrsJSON   string
	)
	if err := sc.Scan(&logicalName, &idStr, &attrsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan entity: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("scan entity: id %q: %w", idStr, err)
	}
	attrs, err := xrm.DecodeAttributes([]byte(attrsJSON))
	if err != nil {
		return nil, fmt.Errorf("scan entity %s(%s): %w", logicalName, idStr, err)
	}
	return &xrm.Entity{LogicalName: logicalName, ID: id, Attributes: attrs}, nil
}

// encodeSnapshot returns the canonical attribute JSON and snapshot hash.
func encodeSnapshot(e *xrm.Entity) (string, string, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = xrm.Attributes{}
	}
	data, err := xrm.MarshalCanonical(attrs)
	if err != nil {
		return "", "", fmt.Errorf("marshal attributes: %w", err)
	}
	hash, err := xrm.SnapshotHash(e)
	if err != nil {
		return "", "", err
	}
	return string(data), hash, nil
}

func isPrimaryKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
