// Package pool manages per-owner SQLite connections to the ledger file.
// Each owner (the background writer, the calling goroutine of a sync store,
// the ops API reader) holds its own handle; handles are never shared between
// owners, expire after a configurable TTL, and are probed for liveness
// before reuse.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ConnectionPool hands out a healthy database handle per owner identity.
type ConnectionPool struct {
	mu sync.Mutex

	// connections maps owner identities to their connection entries
	connections map[string]*connectionEntry

	// dbPath is the ledger database file
	dbPath string

	// maxAge is how old a connection may grow before it is recycled
	maxAge time.Duration

	// busyTimeout is the SQLite busy_timeout applied to every connection
	busyTimeout time.Duration

	// closed indicates if the pool has been closed
	closed bool
}

// connectionEntry holds a connection and its metadata.
type connectionEntry struct {
	db         *sql.DB
	owner      string
	createTime time.Time
}

// Config holds configuration for the connection pool.
type Config struct {
	// MaxConnectionAge is how long a connection lives before recycling
	// (default: 5 minutes)
	MaxConnectionAge time.Duration

	// BusyTimeout is the SQLite busy_timeout for lock contention
	// (default: 5 seconds)
	BusyTimeout time.Duration
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConnectionAge: 5 * time.Minute,
		BusyTimeout:      5 * time.Second,
	}
}

// New creates a connection pool for the given ledger database file.
func New(dbPath string, config Config) *ConnectionPool {
	if config.MaxConnectionAge <= 0 {
		config.MaxConnectionAge = 5 * time.Minute
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5 * time.Second
	}

	return &ConnectionPool{
		connections: make(map[string]*connectionEntry),
		dbPath:      dbPath,
		maxAge:      config.MaxConnectionAge,
		busyTimeout: config.BusyTimeout,
	}
}

// Get returns the owner's cached connection if it is fresh and alive,
// otherwise closes it and opens a replacement. Opening failures propagate to
// the caller; the pool itself never retries (retries belong to the writer).
func (p *ConnectionPool) Get(ctx context.Context, owner string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool: connection pool is closed")
	}

	if entry, ok := p.connections[owner]; ok {
		if time.Since(entry.createTime) < p.maxAge && p.probe(ctx, entry.db) {
			return entry.db, nil
		}
		// Expired or unhealthy: recycle
		entry.db.Close()
		delete(p.connections, owner)
	}

	db, err := p.openConnection(ctx)
	if err != nil {
		return nil, err
	}

	p.connections[owner] = &connectionEntry{
		db:         db,
		owner:      owner,
		createTime: time.Now(),
	}

	return db, nil
}

// Health reports whether the owner's current connection passes the liveness
// probe. A missing connection reports false without opening one.
func (p *ConnectionPool) Health(ctx context.Context, owner string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	entry, ok := p.connections[owner]
	if !ok {
		return false
	}
	return p.probe(ctx, entry.db)
}

// Age returns how long the owner's connection has been open, and whether the
// owner currently holds one.
func (p *ConnectionPool) Age(owner string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.connections[owner]
	if !ok {
		return 0, false
	}
	return time.Since(entry.createTime), true
}

// Evict closes and drops the owner's connection, if any.
func (p *ConnectionPool) Evict(owner string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.connections[owner]; ok {
		entry.db.Close()
		delete(p.connections, owner)
	}
}

// openConnection opens a new SQLite connection to the ledger file.
func (p *ConnectionPool) openConnection(ctx context.Context) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d",
		p.dbPath, p.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("pool: failed to open connection: %w", err)
	}

	// One handle per owner; sharing is the pool's job, not database/sql's
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pool: failed to ping connection: %w", err)
	}

	return db, nil
}

// probe runs a trivial no-op query to verify the connection is usable.
func (p *ConnectionPool) probe(ctx context.Context, db *sql.DB) bool {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return false
	}
	return one == 1
}

// Stats describes the current pool contents.
type Stats struct {
	Owners      int
	OldestAge   time.Duration
	DatabaseTTL time.Duration
}

// Stats returns current pool statistics.
func (p *ConnectionPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := Stats{
		Owners:      len(p.connections),
		DatabaseTTL: p.maxAge,
	}
	for _, entry := range p.connections {
		if age := time.Since(entry.createTime); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	return stats
}

// Close closes all connections in the pool. Close is idempotent.
func (p *ConnectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var lastErr error
	for owner, entry := range p.connections {
		if err := entry.db.Close(); err != nil {
			lastErr = err
		}
		delete(p.connections, owner)
	}
	return lastErr
}
