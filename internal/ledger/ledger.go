package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// Pool owner identities. The writer owner is only ever used under l.mu, so
// its handle is never touched concurrently; the reader owner backs stream
// and metadata queries.
const (
	ownerWriter = "ledger-writer"
	ownerReader = "ledger-reader"
)

// Options configures ledger construction.
type Options struct {
	// VerifyChain enables prev_hash/checksum verification during Stream.
	VerifyChain bool

	// LegacyPath is a newline-delimited JSON ledger to migrate from when
	// the structured store is empty. Empty string disables migration.
	LegacyPath string
}

// Ledger is the SQLite-backed append-only event store. Appends and
// truncations serialize through an internal mutex; cross-process ordering is
// delegated to SQLite's own file locking.
type Ledger struct {
	pool        *pool.ConnectionPool
	verifyChain bool

	// mu serializes appends and truncations within this process
	mu sync.Mutex
}

// New opens (or creates) the ledger schema and runs legacy migration if the
// structured store is empty and a legacy file exists.
func New(ctx context.Context, p *pool.ConnectionPool, opts Options) (*Ledger, error) {
	l := &Ledger{
		pool:        p,
		verifyChain: opts.VerifyChain,
	}

	if err := l.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("ledger: failed to initialize schema: %w", err)
	}

	if opts.LegacyPath != "" {
		if err := l.maybeMigrateLegacy(ctx, opts.LegacyPath); err != nil {
			return nil, err
		}
	}

	return l, nil
}

// initSchema creates all required tables and indexes and records the schema
// version marker.
func (l *Ledger) initSchema(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db, err := l.pool.Get(ctx, ownerWriter)
	if err != nil {
		return err
	}

	for _, stmt := range AllSchemaSQL() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_meta (key, value) VALUES ('schema_version', ?)`,
		SchemaVersion)
	return err
}

// AppendNow assigns the next sequence number and hash chain links, writes
// the event durably in a single transaction, and returns the finalized
// event. Lock contention from sibling processes surfaces as a retryable
// LEDGER_BUSY error; all other failures are terminal.
func (l *Ledger) AppendNow(ctx context.Context, draft types.Draft) (types.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, draft, time.Now().UnixNano())
}

// appendLocked writes one event inside a single write transaction.
// Must be called with l.mu held.
func (l *Ledger) appendLocked(ctx context.Context, draft types.Draft, timestamp int64) (types.Event, error) {
	db, err := l.pool.Get(ctx, ownerWriter)
	if err != nil {
		return types.Event{}, classifyWriteError("failed to acquire connection", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return types.Event{}, classifyWriteError("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var lastSeq sql.NullInt64
	var lastChecksum sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT seq, checksum FROM events ORDER BY seq DESC LIMIT 1`,
	).Scan(&lastSeq, &lastChecksum)
	if err != nil && err != sql.ErrNoRows {
		return types.Event{}, classifyWriteError("failed to read ledger head", err)
	}

	event := types.Event{
		ID:        draft.ID,
		Seq:       0,
		SessionID: draft.SessionID,
		Type:      draft.Type,
		Timestamp: timestamp,
		Payload:   draft.Payload,
	}
	if lastSeq.Valid {
		event.Seq = lastSeq.Int64 + 1
		event.PrevHash = lastChecksum.String
	}

	checksum, err := event.ComputeChecksum()
	if err != nil {
		return types.Event{}, cherrors.NewInternalError("failed to compute event checksum", err)
	}
	event.Checksum = checksum

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return types.Event{}, cherrors.NewInternalError("failed to marshal event payload", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (seq, id, session_id, type, timestamp, payload, prev_hash, checksum)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Seq, event.ID, event.SessionID, event.Type, event.Timestamp,
		string(payloadJSON), event.PrevHash, event.Checksum)
	if err != nil {
		return types.Event{}, classifyWriteError("failed to insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return types.Event{}, classifyWriteError("failed to commit event", err)
	}

	return event, nil
}

// Stream produces all durable events in ascending seq order, invoking fn for
// each. A fresh call re-reads from the start; the sequence is bounded by
// what was durable when the underlying query began. When chain verification
// is enabled, a broken prev_hash/checksum chain aborts the stream with a
// CORRUPTION_DETECTED error.
func (l *Ledger) Stream(ctx context.Context, fn func(types.Event) error) error {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT seq, id, session_id, type, timestamp, payload, prev_hash, checksum
		 FROM events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("ledger: failed to query events: %w", err)
	}
	defer rows.Close()

	var prevChecksum string
	var expectedSeq int64
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return err
		}

		if l.verifyChain {
			if err := l.verifyLink(event, expectedSeq, prevChecksum); err != nil {
				return err
			}
			prevChecksum = event.Checksum
			expectedSeq++
		}

		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// EventsSince returns up to limit events with seq strictly greater than
// sinceSeq, in ascending order. Used by audit/trace tooling; chain
// verification only applies to full streams.
func (l *Ledger) EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]types.Event, error) {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT seq, id, session_id, type, timestamp, payload, prev_hash, checksum
		 FROM events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query events: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventIDs invokes fn for every durable event ID in ascending seq order.
func (l *Ledger) EventIDs(ctx context.Context, fn func(string) error) error {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return err
	}

	rows, err := db.QueryContext(ctx, `SELECT id FROM events ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("ledger: failed to query event ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("ledger: failed to scan event id: %w", err)
		}
		if err := fn(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ContainsEvent reports whether an event with the given ID is durable.
func (l *Ledger) ContainsEvent(ctx context.Context, id string) (bool, error) {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return false, err
	}

	var one int
	err = db.QueryRowContext(ctx,
		`SELECT 1 FROM events WHERE id = ? LIMIT 1`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: failed to look up event id: %w", err)
	}
	return true, nil
}

// verifyLink checks one event against the running hash chain.
func (l *Ledger) verifyLink(event types.Event, expectedSeq int64, prevChecksum string) error {
	if event.Seq != expectedSeq {
		return cherrors.NewLedgerError(cherrors.CodeCorruptionDetected,
			fmt.Sprintf("sequence gap: expected seq %d, found %d", expectedSeq, event.Seq), nil)
	}
	if event.PrevHash != prevChecksum {
		return cherrors.NewLedgerError(cherrors.CodeCorruptionDetected,
			fmt.Sprintf("broken hash chain at seq %d", event.Seq), nil)
	}
	computed, err := event.ComputeChecksum()
	if err != nil {
		return cherrors.NewInternalError("failed to recompute checksum", err)
	}
	if computed != event.Checksum {
		return cherrors.NewLedgerError(cherrors.CodeCorruptionDetected,
			fmt.Sprintf("checksum mismatch at seq %d", event.Seq), nil)
	}
	return nil
}

// Count returns the number of durable events.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("ledger: failed to count events: %w", err)
	}
	return count, nil
}

// LatestSeq returns the highest durable sequence number, or -1 when the
// ledger is empty.
func (l *Ledger) LatestSeq(ctx context.Context) (int64, error) {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return -1, err
	}

	var seq sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return -1, fmt.Errorf("ledger: failed to read latest seq: %w", err)
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// LastEvent returns the most recent durable event, or nil when the ledger
// is empty.
func (l *Ledger) LastEvent(ctx context.Context) (*types.Event, error) {
	db, err := l.pool.Get(ctx, ownerReader)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		`SELECT seq, id, session_id, type, timestamp, payload, prev_hash, checksum
		 FROM events ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to query last event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	event, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// TruncateAfter deletes all events with seq greater than afterSeq. The
// caller passes the latest seq it believes is durable; if the ledger head
// has moved past that (a sibling process appended mid-rollback), the
// truncation aborts with a TRUNCATION_CONFLICT error instead of silently
// destroying foreign events. Pass expectedLatest < 0 to skip the check.
// In-process serialization against the writer is the store's responsibility;
// this method only holds the ledger's own write mutex.
func (l *Ledger) TruncateAfter(ctx context.Context, afterSeq, expectedLatest int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	db, err := l.pool.Get(ctx, ownerWriter)
	if err != nil {
		return classifyWriteError("failed to acquire connection", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return classifyWriteError("failed to begin truncation", err)
	}
	defer tx.Rollback()

	if expectedLatest >= 0 {
		var head sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&head); err != nil {
			return classifyWriteError("failed to read ledger head", err)
		}
		if head.Valid && head.Int64 != expectedLatest {
			return cherrors.NewLedgerError(cherrors.CodeTruncationConflict,
				fmt.Sprintf("ledger head moved during rollback: expected %d, found %d",
					expectedLatest, head.Int64), nil)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE seq > ?`, afterSeq); err != nil {
		return classifyWriteError("failed to truncate events", err)
	}

	if err := tx.Commit(); err != nil {
		return classifyWriteError("failed to commit truncation", err)
	}
	return nil
}

// Close releases the ledger's pooled connections.
func (l *Ledger) Close() error {
	l.pool.Evict(ownerWriter)
	l.pool.Evict(ownerReader)
	return nil
}

// scanEvent reads one event row.
func scanEvent(rows *sql.Rows) (types.Event, error) {
	var event types.Event
	var payloadJSON string
	if err := rows.Scan(&event.Seq, &event.ID, &event.SessionID, &event.Type,
		&event.Timestamp, &payloadJSON, &event.PrevHash, &event.Checksum); err != nil {
		return types.Event{}, fmt.Errorf("ledger: failed to scan event row: %w", err)
	}
	if err := json.Unmarshal([]byte(payloadJSON), &event.Payload); err != nil {
		// Malformed rows are a read-path defect, not fatal to the caller's
		// loop policy; surface them as corruption so operators notice.
		return types.Event{}, cherrors.NewLedgerError(cherrors.CodeCorruptionDetected,
			fmt.Sprintf("malformed payload at seq %d", event.Seq), err)
	}
	return event, nil
}

// classifyWriteError maps SQLite lock contention onto the retryable
// LEDGER_BUSY class; everything else is a terminal ledger error.
func classifyWriteError(message string, err error) error {
	if isBusyError(err) {
		return cherrors.NewLedgerError(cherrors.CodeLedgerBusy, message, err)
	}
	return cherrors.NewLedgerError(cherrors.CodeUnexpected, message, err)
}

// isBusyError reports whether err is transient SQLite lock contention.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// database/sql can wrap driver errors in plain strings
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// warnMalformed logs a skipped record without aborting the surrounding read.
func warnMalformed(source string, lineNo int, err error) {
	log.Printf("ledger: skipping malformed %s record at line %d: %v", source, lineNo, err)
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
