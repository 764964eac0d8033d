package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// migrations[i] upgrades a database from user_version i to i+1. schema.sql
// is version 0 and is only ever extended by appending here.
var migrations = []string{
	// 1: trace filters by message and stage.
	`CREATE INDEX IF NOT EXISTS idx_plugin_step_audit_message_stage
	 ON plugin_step_audit(message_name, stage)`,
}

var currentSchemaVersion = len(migrations)

// A database file may be read by `xrmsim trace` or written by a second
// `xrmsim exec` while this process holds it.
var filePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// An in-memory database is never shared and is gone after Close.
var memoryPragmas = []string{
	"PRAGMA journal_mode = MEMORY",
	"PRAGMA synchronous = OFF",
}

// Store holds entity snapshots and the persisted step audit of one
// simulated organization.
type Store struct {
	db *sql.DB
}

// Open opens the database at path, creating the file when missing, and
// brings its schema up to date. MemoryPath gives a private database that
// lives until Close.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database, so the pool
	// must never open a second one or drop the idle one.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := filePragmas
	if path == MemoryPath {
		pragmas = memoryPragmas
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("open database: %s: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database. An in-memory store loses its contents.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// migrate creates missing tables and applies the migrations the database
// has not seen yet, each in its own transaction with its version bump.
func migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	for v := version; v < currentSchemaVersion; v++ {
		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("migrate to %d: %w", v+1, err)
		}
		if _, err := tx.Exec(migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to %d: %w", v+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("migrate to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migrate to %d: %w", v+1, err)
		}
	}
	return nil
}
