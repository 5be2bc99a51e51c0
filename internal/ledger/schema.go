// Package ledger provides the durable, append-only backing store of events.
package ledger

// Schema contains the SQL schema definitions for the ledger database
// (ledger.db). The ledger is a SQLite database holding the ordered,
// hash-chained event log; it is the single source of truth for all derived
// state.

// CreateEventsTableSQL creates the core events table. Sequence numbers are
// gapless and zero-based; rows are never updated, and the only delete path
// is an explicit unit-of-work truncation.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY,
    id TEXT NOT NULL,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    payload TEXT NOT NULL,
    prev_hash TEXT NOT NULL,
    checksum TEXT NOT NULL
)`

// CreateEventsIndexesSQL creates indexes for audit and session queries.
var CreateEventsIndexesSQL = []string{
	// Index for per-session audit queries
	`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,

	// Index for type-filtered trace tooling
	`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
}

// CreateMetaTableSQL creates the metadata table consumed by external
// migration tooling (schema version marker).
const CreateMetaTableSQL = `
CREATE TABLE IF NOT EXISTS ledger_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// SchemaVersion is the current ledger schema version recorded in ledger_meta.
const SchemaVersion = "1"

// AllSchemaSQL returns all schema statements in execution order.
func AllSchemaSQL() []string {
	stmts := []string{CreateEventsTableSQL, CreateMetaTableSQL}
	stmts = append(stmts, CreateEventsIndexesSQL...)
	return stmts
}
