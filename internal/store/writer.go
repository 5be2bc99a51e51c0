// Package store provides the public event store facade and its background
// writer. The facade hides sync vs async durability from callers; the writer
// drains a bounded queue into the ledger with retry/backoff and dead-letter
// fallback.
package store

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// AppendResult is the outcome delivered to a waiting producer. Seq is -1
// when the event never became durable.
type AppendResult struct {
	Event *types.Event
	Seq   int64
	Err   error
}

// appendRequest is one queued item. done is nil for fire-and-forget
// appends; flush marks a drain barrier instead of an event.
type appendRequest struct {
	draft types.Draft
	done  chan AppendResult
	flush chan struct{}
}

// EventWriter is the single long-lived background worker that drains the
// append queue in FIFO order. One item's failure never stops the loop; a
// worker that dies from a panic is detected on the next enqueue and replaced
// transparently, bound to the same queue.
type EventWriter struct {
	ledger     *ledger.Ledger
	dlq        *ledger.DeadLetterFile
	stats      *observability.StoreStats
	queue      chan *appendRequest
	maxRetries int
	baseDelay  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	alive    atomic.Bool
	stopped  atomic.Bool

	// restartMu serializes worker replacement
	restartMu sync.Mutex
	doneCh    chan struct{}

	// appendFn performs one durable append attempt. Defaults to the
	// ledger's AppendNow; tests inject faults through it.
	appendFn func(context.Context, types.Draft) (types.Event, error)
}

// NewEventWriter creates a writer draining into the given ledger with
// dead-letter fallback. Call Start before enqueueing.
func NewEventWriter(l *ledger.Ledger, dlq *ledger.DeadLetterFile, stats *observability.StoreStats, queueSize, maxRetries int, baseDelay time.Duration) *EventWriter {
	w := &EventWriter{
		ledger:     l,
		dlq:        dlq,
		stats:      stats,
		queue:      make(chan *appendRequest, queueSize),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		stopCh:     make(chan struct{}),
	}
	w.appendFn = w.ledger.AppendNow
	return w
}

// Start launches the background worker goroutine.
func (w *EventWriter) Start() {
	w.restartMu.Lock()
	defer w.restartMu.Unlock()
	w.spawnLocked()
}

// spawnLocked starts a worker bound to the shared queue.
// Must be called with restartMu held.
func (w *EventWriter) spawnLocked() {
	w.doneCh = make(chan struct{})
	w.alive.Store(true)
	go w.run(w.doneCh)
}

// EnsureAlive verifies the worker is running and replaces it if it died
// unexpectedly. Returns false only after a clean Stop.
func (w *EventWriter) EnsureAlive() bool {
	if w.stopped.Load() {
		return false
	}
	if w.alive.Load() {
		return true
	}

	w.restartMu.Lock()
	defer w.restartMu.Unlock()
	if w.stopped.Load() {
		return false
	}
	if !w.alive.Load() {
		log.Printf("store: event writer died unexpectedly, starting replacement worker")
		w.stats.RecordWorkerRestart()
		w.spawnLocked()
	}
	return true
}

// Alive reports whether the worker loop is currently running.
func (w *EventWriter) Alive() bool {
	return w.alive.Load()
}

// Enqueue hands one request to the worker, blocking while the queue is full
// until ctx expires.
func (w *EventWriter) Enqueue(ctx context.Context, req *appendRequest) error {
	// Stop wins over available queue space; without this check a racing
	// enqueue could deposit an item behind the worker's shutdown drain.
	select {
	case <-w.stopCh:
		return cherrors.NewWriterError(cherrors.CodeStoreClosed, "event writer is stopping", nil)
	default:
	}

	select {
	case w.queue <- req:
		return nil
	case <-w.stopCh:
		return cherrors.NewWriterError(cherrors.CodeStoreClosed, "event writer is stopping", nil)
	case <-ctx.Done():
		return cherrors.NewWriterError(cherrors.CodeQueueFull, "append queue is full", ctx.Err())
	}
}

// Stop signals the worker to terminate, draining queued items
// opportunistically first, and waits up to timeout for it to exit.
// Stop is idempotent.
func (w *EventWriter) Stop(timeout time.Duration) error {
	w.stopped.Store(true)
	w.stopOnce.Do(func() { close(w.stopCh) })

	w.restartMu.Lock()
	done := w.doneCh
	w.restartMu.Unlock()
	if done == nil {
		w.sweep()
		return nil
	}

	select {
	case <-done:
		w.sweep()
		return nil
	case <-time.After(timeout):
		return cherrors.NewWriterError(cherrors.CodeAppendTimeout,
			"event writer did not stop in time", nil)
	}
}

// sweep dead-letters anything still sitting in the queue after the worker
// has exited. An enqueue racing Stop can slip an item in behind the worker's
// shutdown drain; that item would otherwise be lost without a trace.
func (w *EventWriter) sweep() {
	for {
		select {
		case req := <-w.queue:
			if req.flush != nil {
				close(req.flush)
				continue
			}
			w.deadLetter(req, cherrors.NewWriterError(cherrors.CodeStoreClosed,
				"event store closed before the append could be written", nil))
		default:
			return
		}
	}
}

// run is the worker loop. A panic while processing an item marks the worker
// dead and resolves the in-flight request as failed; the next enqueue
// detects the death and spawns a replacement.
func (w *EventWriter) run(done chan struct{}) {
	var inflight *appendRequest
	defer func() {
		if r := recover(); r != nil {
			log.Printf("store: event writer panic: %v", r)
			if inflight != nil {
				w.deadLetter(inflight, cherrors.NewWriterError(cherrors.CodeDeadLettered,
					"writer crashed while processing event", nil))
			}
			w.alive.Store(false)
			close(done)
			return
		}
		w.alive.Store(false)
		close(done)
	}()

	for {
		select {
		case <-w.stopCh:
			w.drain()
			return
		case req := <-w.queue:
			inflight = req
			w.process(req)
			inflight = nil
		}
	}
}

// drain consumes whatever is queued at shutdown so no accepted item is
// silently dropped: each either becomes durable or lands in the DLQ.
func (w *EventWriter) drain() {
	for {
		select {
		case req := <-w.queue:
			w.process(req)
		default:
			return
		}
	}
}

// process handles one request: flush barriers resolve immediately, event
// drafts go through the retry/backoff append path.
func (w *EventWriter) process(req *appendRequest) {
	if req.flush != nil {
		close(req.flush)
		return
	}

	ctx := context.Background()
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			w.stats.RecordRetry()
			time.Sleep(w.baseDelay * (1 << (attempt - 1)))
		}

		event, err := w.appendFn(ctx, req.draft)
		if err == nil {
			w.stats.RecordAppend()
			w.resolve(req, AppendResult{Event: &event, Seq: event.Seq})
			return
		}

		lastErr = err
		if !cherrors.IsRetryable(err) {
			break
		}
	}

	w.deadLetter(req, lastErr)
}

// deadLetter records a terminally failed draft and signals any waiter.
func (w *EventWriter) deadLetter(req *appendRequest, cause error) {
	w.stats.RecordAppendFailure()

	entry := types.DeadLetterEntry{
		Timestamp: time.Now().UnixNano(),
		Error:     cause.Error(),
		Event:     req.draft,
	}
	if err := w.dlq.Append(entry); err != nil {
		// Nothing durable left to record the failure in; log loudly.
		log.Printf("store: failed to write dead-letter entry for event %s: %v", req.draft.ID, err)
	} else {
		w.stats.RecordDeadLetter()
	}

	w.resolve(req, AppendResult{Seq: -1, Err: cause})
}

// resolve fires the request's one-shot completion channel, if any.
func (w *EventWriter) resolve(req *appendRequest, result AppendResult) {
	if req.done != nil {
		req.done <- result
	}
}
