package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chronicleworks/chronicle/internal/bloom"
	"github.com/chronicleworks/chronicle/internal/config"
	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// AppendOptions controls one append call.
type AppendOptions struct {
	// SessionID tags the event with the producing session
	SessionID string

	// Wait blocks the caller in async mode until the writer resolves the
	// append, returning the real result
	Wait bool
}

// ReplayReport summarizes one dead-letter replay pass. Skipped counts
// entries whose event ID was already durable, typically after a crash
// between a successful append and the dead-letter rewrite.
type ReplayReport struct {
	Replayed int `json:"replayed"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
}

// EventStore is the single entry point for appending and reading events.
// It hides sync vs async durability from callers: in sync mode every append
// writes directly through the ledger on the calling goroutine; in async mode
// appends are queued for the background writer.
type EventStore struct {
	cfg    config.StoreConfig
	ledger *ledger.Ledger
	dlq    *ledger.DeadLetterFile
	pool   *pool.ConnectionPool
	stats  *observability.StoreStats
	writer *EventWriter

	// gate serializes truncation against the append path within this
	// process: appends hold the read side, truncation the write side
	gate sync.RWMutex

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// New creates an event store over an opened ledger. In async mode the
// background writer starts immediately.
func New(cfg config.StoreConfig, l *ledger.Ledger, dlq *ledger.DeadLetterFile, p *pool.ConnectionPool, stats *observability.StoreStats) *EventStore {
	s := &EventStore{
		cfg:    cfg,
		ledger: l,
		dlq:    dlq,
		pool:   p,
		stats:  stats,
		closed: make(chan struct{}),
	}

	if cfg.AsyncMode {
		s.writer = NewEventWriter(l, dlq, stats, cfg.QueueSize, cfg.MaxRetries, cfg.RetryBaseDelay)
		s.writer.Start()
	}

	return s
}

// Async reports whether the store runs the background writer path.
func (s *EventStore) Async() bool {
	return s.writer != nil
}

// Append records one event.
//
// Sync mode: writes directly and returns the durable event, or the error.
// Async mode with Wait false: enqueues and returns (nil, -1, nil)
// immediately; there is no durability guarantee at return time.
// Async mode with Wait true: blocks until the writer resolves the append,
// returning the durable result or (nil, -1, err) once retries are exhausted.
func (s *EventStore) Append(ctx context.Context, eventType string, payload map[string]interface{}, opts AppendOptions) (*types.Event, int64, error) {
	if s.isClosed() {
		return nil, -1, cherrors.NewWriterError(cherrors.CodeStoreClosed, "event store is closed", nil)
	}
	if eventType == "" {
		return nil, -1, cherrors.NewValidationError(cherrors.CodeInvalidEventType, "event type is required")
	}

	draft := types.Draft{
		ID:        uuid.New().String(),
		SessionID: opts.SessionID,
		Type:      eventType,
		Payload:   payload,
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.writer == nil {
		// Sync mode: no retry layer by design, the caller is already blocking
		event, err := s.ledger.AppendNow(ctx, draft)
		if err != nil {
			s.stats.RecordAppendFailure()
			return nil, -1, err
		}
		s.stats.RecordAppend()
		return &event, event.Seq, nil
	}

	if !s.writer.EnsureAlive() {
		return nil, -1, cherrors.NewWriterError(cherrors.CodeStoreClosed, "event store is closed", nil)
	}

	req := &appendRequest{draft: draft}
	if opts.Wait {
		req.done = make(chan AppendResult, 1)
	}

	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.AppendWaitTimeout)
	defer cancel()
	if err := s.writer.Enqueue(enqueueCtx, req); err != nil {
		return nil, -1, err
	}

	if !opts.Wait {
		return nil, -1, nil
	}

	// A one-shot channel per request avoids head-of-line blocking between
	// concurrent waiters; the timeout keeps a dead worker from hanging the
	// caller forever.
	select {
	case result := <-req.done:
		return result.Event, result.Seq, result.Err
	case <-time.After(s.cfg.AppendWaitTimeout):
		return nil, -1, cherrors.NewWriterError(cherrors.CodeAppendTimeout,
			"timed out waiting for append to become durable", nil)
	case <-ctx.Done():
		return nil, -1, cherrors.NewWriterError(cherrors.CodeAppendTimeout,
			"context canceled while waiting for append", ctx.Err())
	}
}

// Stream produces all durable events in seq order.
func (s *EventStore) Stream(ctx context.Context, fn func(types.Event) error) error {
	return s.ledger.Stream(ctx, fn)
}

// EventsSince returns up to limit events with seq greater than sinceSeq.
func (s *EventStore) EventsSince(ctx context.Context, sinceSeq int64, limit int) ([]types.Event, error) {
	return s.ledger.EventsSince(ctx, sinceSeq, limit)
}

// LatestSeq returns the highest durable seq, or -1 when empty.
func (s *EventStore) LatestSeq(ctx context.Context) (int64, error) {
	return s.ledger.LatestSeq(ctx)
}

// Count returns the number of durable events.
func (s *EventStore) Count(ctx context.Context) (int64, error) {
	return s.ledger.Count(ctx)
}

// LastEvent returns the most recent durable event, or nil when empty.
func (s *EventStore) LastEvent(ctx context.Context) (*types.Event, error) {
	return s.ledger.LastEvent(ctx)
}

// Flush blocks until everything queued before the call has been drained by
// the writer. A no-op in sync mode.
func (s *EventStore) Flush(ctx context.Context) error {
	if s.writer == nil {
		return nil
	}
	if s.isClosed() {
		return cherrors.NewWriterError(cherrors.CodeStoreClosed, "event store is closed", nil)
	}
	if !s.writer.EnsureAlive() {
		return cherrors.NewWriterError(cherrors.CodeStoreClosed, "event store is closed", nil)
	}

	// FIFO processing makes the sentinel a drain barrier for everything
	// enqueued before it.
	req := &appendRequest{flush: make(chan struct{})}
	enqueueCtx, cancel := context.WithTimeout(ctx, s.cfg.AppendWaitTimeout)
	defer cancel()
	if err := s.writer.Enqueue(enqueueCtx, req); err != nil {
		return err
	}

	select {
	case <-req.flush:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReplayDLQ re-appends every dead-letter entry to the ledger. Entries that
// fail again stay in the file; the file is removed only once every entry has
// been replayed successfully. Replayed events receive fresh sequence
// numbers: re-insertion creates a new event, it does not resurrect the old
// position. Entries whose event ID is already durable are dropped without
// re-appending, which makes replay safe to run after a crash that landed
// the append but not the dead-letter rewrite.
func (s *EventStore) ReplayDLQ(ctx context.Context) (ReplayReport, error) {
	entries, err := s.dlq.Entries()
	if err != nil {
		return ReplayReport{}, err
	}
	if len(entries) == 0 {
		return ReplayReport{}, nil
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	durable, err := s.durableIDFilter(ctx)
	if err != nil {
		return ReplayReport{}, err
	}

	var report ReplayReport
	var remaining []types.DeadLetterEntry
	for _, entry := range entries {
		if durable.MightContain(entry.Event.ID) {
			// Filter hits can be false positives; confirm before dropping.
			exists, err := s.ledger.ContainsEvent(ctx, entry.Event.ID)
			if err != nil {
				report.Failed++
				remaining = append(remaining, entry)
				continue
			}
			if exists {
				report.Skipped++
				continue
			}
		}
		if _, err := s.ledger.AppendNow(ctx, entry.Event); err != nil {
			report.Failed++
			remaining = append(remaining, entry)
			continue
		}
		report.Replayed++
	}

	s.stats.RecordReplay(report.Replayed)
	if err := s.dlq.Rewrite(remaining); err != nil {
		return report, err
	}
	return report, nil
}

// durableIDFilter builds a membership filter over every durable event ID,
// sized for the current ledger at a 1% false positive rate.
func (s *EventStore) durableIDFilter(ctx context.Context) (*bloom.Filter, error) {
	count, err := s.ledger.Count(ctx)
	if err != nil {
		return nil, err
	}

	filter := bloom.New(count, 0.01)
	if err := s.ledger.EventIDs(ctx, func(id string) error {
		filter.Add(id)
		return nil
	}); err != nil {
		return nil, err
	}
	return filter, nil
}

// DeadLetterCount returns the number of entries currently dead-lettered.
func (s *EventStore) DeadLetterCount() (int, error) {
	return s.dlq.Count()
}

// TruncateAfter removes every event with seq greater than afterSeq,
// serialized against this process's append path: the writer queue is
// flushed first and no append may start until the truncation completes.
// expectedLatest (when >= 0) guards against a sibling process having moved
// the ledger head mid-rollback.
func (s *EventStore) TruncateAfter(ctx context.Context, afterSeq, expectedLatest int64) error {
	if s.writer != nil {
		if err := s.Flush(ctx); err != nil {
			return cherrors.NewStateError(cherrors.CodeRollbackFailed,
				"failed to drain writer before truncation", err)
		}
	}

	s.gate.Lock()
	defer s.gate.Unlock()

	return s.ledger.TruncateAfter(ctx, afterSeq, expectedLatest)
}

// Stats returns the store's counter snapshot.
func (s *EventStore) Stats() observability.Snapshot {
	return s.stats.Snapshot()
}

// WriterAlive reports background writer liveness; always true in sync mode.
func (s *EventStore) WriterAlive() bool {
	if s.writer == nil {
		return true
	}
	return s.writer.Alive()
}

// Close stops the writer (draining queued items), then closes all pooled
// connections. Close is idempotent; items in flight at the moment of the
// call either complete durably or surface in the dead-letter file.
func (s *EventStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)

		if s.writer != nil {
			if err := s.writer.Stop(s.cfg.CloseTimeout); err != nil {
				s.closeErr = err
			}
		}
		if err := s.ledger.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
		if err := s.pool.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// isClosed reports whether Close has begun.
func (s *EventStore) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
