// Package server coordinates graceful shutdown of the engine.
//
// Shutdown order matters here: the HTTP surface stops accepting work first,
// then the event store drains its writer queue and closes, then the
// connection pool releases its handles. Components register in startup
// order and are closed LIFO.
package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Lifecycle tracks running components and closes them in reverse
// registration order when a shutdown signal arrives.
type Lifecycle struct {
	shutdownTimeout time.Duration
	drainTimeout    time.Duration

	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	inFlight     atomic.Int64
	shuttingDown atomic.Bool

	mu         sync.Mutex
	components []component
}

type component struct {
	name   string
	closer io.Closer
}

// LifecycleConfig holds shutdown tuning knobs.
type LifecycleConfig struct {
	// ShutdownTimeout bounds the whole shutdown sequence.
	ShutdownTimeout time.Duration

	// DrainTimeout bounds the wait for in-flight HTTP requests.
	DrainTimeout time.Duration
}

// NewLifecycle creates a lifecycle coordinator.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 15 * time.Second
	}
	return &Lifecycle{
		shutdownTimeout: cfg.ShutdownTimeout,
		drainTimeout:    cfg.DrainTimeout,
		shutdownCh:      make(chan struct{}),
	}
}

// Register adds a named component to close during shutdown. Components are
// closed in reverse registration order.
func (l *Lifecycle) Register(name string, closer io.Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components = append(l.components, component{name: name, closer: closer})
}

// RegisterFunc is Register for plain functions.
func (l *Lifecycle) RegisterFunc(name string, fn func() error) {
	l.Register(name, closerFunc(fn))
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Wait blocks until SIGTERM/SIGINT or context cancellation, then runs the
// shutdown sequence and returns its result.
func (l *Lifecycle) Wait(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("shutdown: received signal %v", sig)
		return l.Shutdown(context.Background())
	case <-ctx.Done():
		return l.Shutdown(context.Background())
	case <-l.shutdownCh:
		return nil
	}
}

// Shutdown drains in-flight requests and closes all registered components.
// Safe to call more than once; only the first call does the work.
func (l *Lifecycle) Shutdown(ctx context.Context) error {
	var shutdownErr error

	l.shutdownOnce.Do(func() {
		l.shuttingDown.Store(true)
		close(l.shutdownCh)

		shutdownCtx, cancel := context.WithTimeout(ctx, l.shutdownTimeout)
		defer cancel()

		if err := l.drain(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
			shutdownErr = err
		}

		l.mu.Lock()
		components := l.components
		l.mu.Unlock()

		for i := len(components) - 1; i >= 0; i-- {
			c := components[i]
			if err := c.closer.Close(); err != nil {
				log.Printf("shutdown: closing %s: %v", c.name, err)
				if shutdownErr == nil {
					shutdownErr = fmt.Errorf("close %s: %w", c.name, err)
				}
				continue
			}
			log.Printf("shutdown: %s closed", c.name)
		}
	})

	return shutdownErr
}

// drain waits for in-flight requests to finish, up to the drain timeout.
func (l *Lifecycle) drain(ctx context.Context) error {
	drainCtx, cancel := context.WithTimeout(ctx, l.drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.inFlight.Load() == 0 {
			return nil
		}
		select {
		case <-drainCtx.Done():
			if remaining := l.inFlight.Load(); remaining > 0 {
				return fmt.Errorf("drain timeout with %d requests in flight", remaining)
			}
			return nil
		case <-ticker.C:
		}
	}
}

// ShuttingDown reports whether shutdown has started.
func (l *Lifecycle) ShuttingDown() bool {
	return l.shuttingDown.Load()
}

// ShutdownCh is closed when shutdown begins.
func (l *Lifecycle) ShutdownCh() <-chan struct{} {
	return l.shutdownCh
}

// track admits a request unless shutdown has started.
func (l *Lifecycle) track() bool {
	if l.shuttingDown.Load() {
		return false
	}
	l.inFlight.Add(1)
	return true
}

func (l *Lifecycle) untrack() {
	l.inFlight.Add(-1)
}

// DrainMiddleware counts in-flight requests and rejects new ones once
// shutdown has started.
func DrainMiddleware(l *Lifecycle) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.track() {
				w.Header().Set("Connection", "close")
				http.Error(w, "shutting down", http.StatusServiceUnavailable)
				return
			}
			defer l.untrack()
			next.ServeHTTP(w, r)
		})
	}
}

// ServeHTTP runs the HTTP server until shutdown begins or the listener
// fails. The server itself is registered as a component so shutdown stops
// it before the store closes.
func (l *Lifecycle) ServeHTTP(srv *http.Server) error {
	l.Register("http server", closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-l.shutdownCh:
		return <-errCh
	}
}
