package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/pkg/types"
)

func newTestWriter(t *testing.T, maxRetries int) (*EventWriter, *ledger.DeadLetterFile, *observability.StoreStats) {
	t.Helper()
	dlq := ledger.NewDeadLetterFile(filepath.Join(t.TempDir(), "dead_letter.jsonl"))
	stats := observability.NewStoreStats()
	w := NewEventWriter(nil, dlq, stats, 16, maxRetries, time.Millisecond)
	t.Cleanup(func() { w.Stop(time.Second) })
	return w, dlq, stats
}

func testDraft(id string) types.Draft {
	return types.Draft{
		ID:        id,
		SessionID: "session-1",
		Type:      types.EventFieldsUpdated,
		Payload:   map[string]interface{}{"key": "value"},
	}
}

func busyErr() error {
	return cherrors.NewLedgerError(cherrors.CodeLedgerBusy, "database is locked", nil)
}

func enqueueAndWait(t *testing.T, w *EventWriter, draft types.Draft) AppendResult {
	t.Helper()
	req := &appendRequest{draft: draft, done: make(chan AppendResult, 1)}
	require.NoError(t, w.Enqueue(context.Background(), req))
	select {
	case result := <-req.done:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for append result")
		return AppendResult{}
	}
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	w, _, stats := newTestWriter(t, 5)

	var attempts atomic.Int32
	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		if attempts.Add(1) <= 2 {
			return types.Event{}, busyErr()
		}
		return types.Event{ID: draft.ID, Seq: 0, Type: draft.Type}, nil
	}
	w.Start()

	result := enqueueAndWait(t, w, testDraft("a"))
	require.NoError(t, result.Err)
	assert.Equal(t, int64(0), result.Seq)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(2), stats.Snapshot().Retries)
}

func TestWriter_DeadLettersAfterExhaustingRetries(t *testing.T) {
	w, dlq, stats := newTestWriter(t, 2)

	var attempts atomic.Int32
	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		attempts.Add(1)
		return types.Event{}, busyErr()
	}
	w.Start()

	result := enqueueAndWait(t, w, testDraft("doomed"))
	require.Error(t, result.Err)
	assert.Equal(t, int64(-1), result.Seq)
	// Initial attempt plus two retries
	assert.Equal(t, int32(3), attempts.Load())

	entries, err := dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "doomed", entries[0].Event.ID)
	assert.Equal(t, "value", entries[0].Event.Payload["key"])

	snap := stats.Snapshot()
	assert.Equal(t, int64(1), snap.DeadLetters)
	assert.Equal(t, int64(1), snap.AppendFailures)
}

func TestWriter_NonRetryableFailsImmediately(t *testing.T) {
	w, dlq, _ := newTestWriter(t, 5)

	var attempts atomic.Int32
	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		attempts.Add(1)
		return types.Event{}, cherrors.NewValidationError(cherrors.CodeInvalidEventType, "bad type")
	}
	w.Start()

	result := enqueueAndWait(t, w, testDraft("bad"))
	require.Error(t, result.Err)
	assert.Equal(t, int32(1), attempts.Load())

	count, err := dlq.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWriter_FailureDoesNotStopSubsequentAppends(t *testing.T) {
	w, _, _ := newTestWriter(t, 0)

	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		if draft.ID == "fails" {
			return types.Event{}, busyErr()
		}
		return types.Event{ID: draft.ID, Seq: 1}, nil
	}
	w.Start()

	failed := enqueueAndWait(t, w, testDraft("fails"))
	assert.Error(t, failed.Err)

	ok := enqueueAndWait(t, w, testDraft("succeeds"))
	assert.NoError(t, ok.Err)
	assert.True(t, w.Alive())
}

func TestWriter_PanicKillsWorkerAndDeadLettersInflight(t *testing.T) {
	w, dlq, _ := newTestWriter(t, 0)

	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		panic("simulated crash")
	}
	w.Start()

	req := &appendRequest{draft: testDraft("inflight"), done: make(chan AppendResult, 1)}
	require.NoError(t, w.Enqueue(context.Background(), req))

	select {
	case result := <-req.done:
		assert.Error(t, result.Err)
		assert.Equal(t, int64(-1), result.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for crash resolution")
	}

	assert.Eventually(t, func() bool { return !w.Alive() },
		time.Second, 5*time.Millisecond)

	entries, err := dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "inflight", entries[0].Event.ID)
}

func TestWriter_EnsureAliveRespawnsDeadWorker(t *testing.T) {
	w, _, stats := newTestWriter(t, 0)

	var crash atomic.Bool
	crash.Store(true)
	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		if crash.Load() {
			panic("simulated crash")
		}
		return types.Event{ID: draft.ID, Seq: 7}, nil
	}
	w.Start()

	// Kill the first worker
	req := &appendRequest{draft: testDraft("victim"), done: make(chan AppendResult, 1)}
	require.NoError(t, w.Enqueue(context.Background(), req))
	<-req.done
	assert.Eventually(t, func() bool { return !w.Alive() },
		time.Second, 5*time.Millisecond)

	// The next producer transparently revives the writer
	crash.Store(false)
	assert.True(t, w.EnsureAlive())
	assert.True(t, w.Alive())

	result := enqueueAndWait(t, w, testDraft("survivor"))
	assert.NoError(t, result.Err)
	assert.Equal(t, int64(7), result.Seq)
	assert.Equal(t, int64(1), stats.Snapshot().WorkerRestarts)
}

func TestWriter_StopDrainsQueuedItems(t *testing.T) {
	dlq := ledger.NewDeadLetterFile(filepath.Join(t.TempDir(), "dead_letter.jsonl"))
	stats := observability.NewStoreStats()
	w := NewEventWriter(nil, dlq, stats, 64, 0, time.Millisecond)

	var processed atomic.Int32
	block := make(chan struct{})
	w.appendFn = func(ctx context.Context, draft types.Draft) (types.Event, error) {
		if draft.ID == "block" {
			<-block
		}
		processed.Add(1)
		return types.Event{ID: draft.ID}, nil
	}
	w.Start()

	// First item parks the worker so the rest stay queued at Stop time
	require.NoError(t, w.Enqueue(context.Background(), &appendRequest{draft: testDraft("block")}))
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(context.Background(), &appendRequest{draft: testDraft("queued")}))
	}

	close(block)
	require.NoError(t, w.Stop(5*time.Second))
	assert.Equal(t, int32(6), processed.Load())
	assert.False(t, w.Alive())
}

func TestWriter_StopIsIdempotent(t *testing.T) {
	w, _, _ := newTestWriter(t, 0)
	w.Start()

	require.NoError(t, w.Stop(time.Second))
	assert.NoError(t, w.Stop(time.Second))
	assert.False(t, w.EnsureAlive())
}

func TestWriter_EnqueueAfterStopFails(t *testing.T) {
	w, _, _ := newTestWriter(t, 0)
	w.Start()
	require.NoError(t, w.Stop(time.Second))

	err := w.Enqueue(context.Background(), &appendRequest{draft: testDraft("late")})
	require.Error(t, err)
	assert.Equal(t, cherrors.CodeStoreClosed, cherrors.GetCode(err))
}

func TestWriter_StopDeadLettersItemQueuedBehindDrain(t *testing.T) {
	w, dlq, _ := newTestWriter(t, 0)
	w.Start()
	require.NoError(t, w.Stop(time.Second))

	// An enqueue racing Stop can land an item after the worker's shutdown
	// drain already emptied the queue. The next Stop must not leave it there.
	req := &appendRequest{draft: testDraft("stranded"), done: make(chan AppendResult, 1)}
	w.queue <- req
	require.NoError(t, w.Stop(time.Second))

	select {
	case result := <-req.done:
		require.Error(t, result.Err)
		assert.Equal(t, cherrors.CodeStoreClosed, cherrors.GetCode(result.Err))
		assert.Equal(t, int64(-1), result.Seq)
	default:
		t.Fatal("stranded request was never resolved")
	}

	entries, err := dlq.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "stranded", entries[0].Event.ID)
}
