// Package tablestore provides the persistent table-store collaborators backing
// the record catalog, the grant ledger, the sharing log, and wallet bindings.
//
// Two implementations are provided:
//
//   - MemoryStore: a fully synchronized in-memory store for tests and
//     single-node development
//   - GormStore: PostgreSQL persistence via GORM, with a partial unique index
//     enforcing the single-active-grant invariant at the database
//
// Both enforce the same contract: inserting a grant whose active
// (doctor, patient, scope) tuple already exists fails with ErrConflict, so the
// ledger's per-tuple serialization has a durable backstop.
//
// The package also contains DegradedJournal, an embedded LevelDB log of
// entries written while the blob store was unavailable, consumed by the
// registry's reconciliation pass.
package tablestore
