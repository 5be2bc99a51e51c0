// Package app wires the Chronicle engine together: configuration, connection
// pool, ledger, event store, state manager, snapshot archiver, and the ops
// HTTP server share one lifecycle here.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"

	httpapi "github.com/chronicleworks/chronicle/internal/api/http"
	"github.com/chronicleworks/chronicle/internal/archive"
	"github.com/chronicleworks/chronicle/internal/cache"
	"github.com/chronicleworks/chronicle/internal/config"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/internal/server"
	"github.com/chronicleworks/chronicle/internal/state"
	"github.com/chronicleworks/chronicle/internal/storage"
	"github.com/chronicleworks/chronicle/internal/store"
)

// App manages the Chronicle engine lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	pool      *pool.ConnectionPool
	ledger    *ledger.Ledger
	storage   storage.ObjectStorage
	store     *store.EventStore
	manager   *state.Manager
	archiver  *archive.Archiver
	lifecycle *server.Lifecycle

	opsServer *http.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}

	return &App{cfg: cfg}, nil
}

// Start initializes all engine components and, if configured, starts the ops
// HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	if err := a.initEngine(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	if a.cfg.HTTP.Addr != "" {
		a.startOpsServer()
	}

	log.Printf("Chronicle started: data_dir=%s async=%v", a.cfg.DataDir, a.cfg.Store.AsyncMode)
	return nil
}

// initEngine builds the pool, ledger, object storage, store, state manager,
// and archiver in dependency order, registering each with the lifecycle.
func (a *App) initEngine(ctx context.Context) error {
	a.lifecycle = server.NewLifecycle(server.LifecycleConfig{
		ShutdownTimeout: a.cfg.Store.CloseTimeout * 2,
	})

	a.pool = pool.New(a.cfg.LedgerPath(), pool.Config{
		MaxConnectionAge: a.cfg.Pool.ConnectionTTL,
		BusyTimeout:      a.cfg.Pool.BusyTimeout,
	})

	var err error
	a.ledger, err = ledger.New(ctx, a.pool, ledger.Options{
		VerifyChain: a.cfg.Ledger.VerifyChain,
		LegacyPath:  a.cfg.LegacyLedgerPath(),
	})
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	log.Printf("Ledger opened: %s (verify_chain=%v)", a.cfg.LedgerPath(), a.cfg.Ledger.VerifyChain)

	switch a.cfg.Archive.Storage.Type {
	case "local":
		a.storage, err = storage.NewLocalStorage(a.cfg.Archive.Storage.Path)
	case "s3":
		a.storage, err = storage.NewS3Storage(ctx, a.cfg.Archive.Storage.S3.Bucket, storage.S3Config{
			Region:   a.cfg.Archive.Storage.S3.Region,
			Endpoint: a.cfg.Archive.Storage.S3.Endpoint,
		})
	default:
		return fmt.Errorf("unsupported storage type: %s", a.cfg.Archive.Storage.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("Snapshot storage initialized: type=%s", a.cfg.Archive.Storage.Type)

	dlq := ledger.NewDeadLetterFile(a.cfg.DeadLetterPath())
	stats := observability.NewStoreStats()
	a.store = store.New(a.cfg.Store, a.ledger, dlq, a.pool, stats)

	a.manager, err = state.NewManager(ctx, a.store)
	if err != nil {
		return fmt.Errorf("failed to build state projection: %w", err)
	}
	log.Printf("State projection rebuilt: last_seq=%d", a.manager.LastSeq())

	a.archiver = archive.NewArchiver(a.ledger, a.storage, a.cfg.Archive.WorkDir)
	if a.cfg.Archive.CacheMaxBytes > 0 {
		fetchCache, err := cache.NewObjectCache(a.cfg.Archive.CacheDir, a.cfg.Archive.CacheMaxBytes)
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot cache: %w", err)
		}
		a.archiver.UseCache(fetchCache)
	}

	// Store closes last among engine components; it owns the writer drain
	// and the ledger/pool teardown.
	a.lifecycle.Register("event store", a.store)

	return nil
}

// startOpsServer starts the ops API HTTP server.
func (a *App) startOpsServer() {
	mux := http.NewServeMux()
	handler := httpapi.NewOpsHandler(a.store, a.manager, a.archiver)
	handler.Register(mux)

	a.opsServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      server.DrainMiddleware(a.lifecycle)(mux),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Ops API listening on %s", a.cfg.HTTP.Addr)
		if err := a.lifecycle.ServeHTTP(a.opsServer); err != nil {
			log.Printf("Ops API server error: %v", err)
		}
	}()
}

// Store exposes the event store for in-process callers.
func (a *App) Store() *store.EventStore {
	return a.store
}

// Manager exposes the state manager for in-process callers.
func (a *App) Manager() *state.Manager {
	return a.manager
}

// Archiver exposes the snapshot archiver for in-process callers.
func (a *App) Archiver() *archive.Archiver {
	return a.archiver
}

// WaitForShutdown blocks until SIGTERM/SIGINT or context cancellation, then
// runs the shutdown sequence.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.lifecycle.Wait(ctx)
}

// Stop shuts the engine down: the ops server stops accepting requests, the
// writer drains, and the ledger closes.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	a.mu.Unlock()

	err := a.lifecycle.Shutdown(ctx)
	a.wg.Wait()
	a.cleanup()

	log.Printf("Chronicle stopped")
	return err
}

// cleanup releases whatever got built before a failed or completed start.
// Closing the store also stops the writer and closes ledger and pool.
func (a *App) cleanup() {
	if a.store != nil {
		a.store.Close()
		return
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
