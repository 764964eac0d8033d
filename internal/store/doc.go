// Package store keeps the simulated organization in SQLite.
//
// Two tables:
//   - entities: current snapshot of every record, keyed by (logical_name, id)
//   - plugin_step_audit: append-only step audit, keyed by seq
//
// Attributes are stored as RFC 8785 canonical JSON (xrm.MarshalCanonical),
// and snapshot_hash is xrm.SnapshotHash of the stored record.
//
// Audit seqs are logical time, never timestamps, and reads are ORDER BY
// seq. AuditLog.AppendNext lets SQLite pick the seq inside the insert, so
// any number of contexts or processes can share one database file.
// AuditLog.Append keeps a caller-chosen seq and fails with
// ErrAuditSeqTaken rather than overwrite or drop a record.
//
// Open(MemoryPath) gives each context a throwaway database; a file path
// is opened in WAL mode with a busy timeout so `xrmsim trace` can read it
// while `xrmsim exec` writes.
package store
