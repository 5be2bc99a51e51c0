package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/config"
	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/pkg/types"
)

func newTestStoreAt(t *testing.T, dir string, async bool) *store.EventStore {
	t.Helper()
	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	l, err := ledger.New(context.Background(), p, ledger.Options{VerifyChain: true})
	require.NoError(t, err)

	dlq := ledger.NewDeadLetterFile(filepath.Join(dir, "dead_letter.jsonl"))
	s := store.New(config.StoreConfig{
		AsyncMode:         async,
		MaxRetries:        3,
		RetryBaseDelay:    time.Millisecond,
		QueueSize:         64,
		AppendWaitTimeout: 5 * time.Second,
		CloseTimeout:      5 * time.Second,
	}, l, dlq, p, observability.NewStoreStats())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestManager_MutationsProjectImmediately(t *testing.T) {
	s := newTestStoreAt(t, t.TempDir(), false)
	ctx := context.Background()

	m, err := NewManager(ctx, s)
	require.NoError(t, err)

	require.NoError(t, m.SetGoal(ctx, "ship the ledger"))
	require.NoError(t, m.TransitionTo(ctx, "BUILD"))
	require.NoError(t, m.Update(ctx, map[string]interface{}{"owner": "core team"}))

	current := m.Current()
	assert.Equal(t, "ship the ledger", current.Goal)
	assert.Equal(t, "BUILD", current.Stage)
	assert.Equal(t, "core team", current.Fields["owner"])
	assert.Equal(t, int64(3), current.EventCount)
	assert.Equal(t, int64(2), m.LastSeq())
}

func TestManager_AsyncMutationsAreDurableBeforeProjecting(t *testing.T) {
	s := newTestStoreAt(t, t.TempDir(), true)
	ctx := context.Background()

	m, err := NewManager(ctx, s)
	require.NoError(t, err)

	require.NoError(t, m.SetGoal(ctx, "async"))

	// The fold happened only after the writer made the event durable
	latest, err := s.LatestSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), latest)
	assert.Equal(t, int64(0), m.LastSeq())
	assert.Equal(t, "async", m.Current().Goal)
}

func TestManager_RebuildOnConstruction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1 := newTestStoreAt(t, dir, false)
	m1, err := NewManager(ctx, s1)
	require.NoError(t, err)
	require.NoError(t, m1.SetGoal(ctx, "persisted"))
	require.NoError(t, m1.TransitionTo(ctx, "VERIFY"))
	require.NoError(t, s1.Close())

	// A new process sees the full history with a fresh session identity
	s2 := newTestStoreAt(t, dir, false)
	m2, err := NewManager(ctx, s2)
	require.NoError(t, err)

	assert.Equal(t, "persisted", m2.Current().Goal)
	assert.Equal(t, "VERIFY", m2.Current().Stage)
	assert.Equal(t, int64(1), m2.LastSeq())
	assert.NotEqual(t, m1.SessionID(), m2.SessionID())
}

func TestManager_ProjectionIsUnionAcrossSessions(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := newTestStoreAt(t, dir, false)
	first, err := NewManager(ctx, s)
	require.NoError(t, err)
	require.NoError(t, first.SetGoal(ctx, "shared goal"))

	second, err := NewManager(ctx, s)
	require.NoError(t, err)
	require.NoError(t, second.Update(ctx, map[string]interface{}{"added_by": "second"}))

	// First manager's cached view is stale until it syncs
	assert.Equal(t, int64(0), first.LastSeq())
	require.NoError(t, first.Sync(ctx))
	assert.Equal(t, int64(1), first.LastSeq())
	assert.Equal(t, "shared goal", first.Current().Goal)
	assert.Equal(t, "second", first.Current().Fields["added_by"])
}

func TestManager_GhostWritesNeverBecomeState(t *testing.T) {
	s := newTestStoreAt(t, t.TempDir(), false)
	ctx := context.Background()

	m, err := NewManager(ctx, s)
	require.NoError(t, err)
	require.NoError(t, m.SetGoal(ctx, "real"))

	// Mutating a snapshot writes no event, so the change cannot survive
	snapshot := m.Current()
	snapshot.Goal = "ghost"
	snapshot.Fields["ghost"] = true

	assert.Equal(t, "real", m.Current().Goal)
	assert.NotContains(t, m.Current().Fields, "ghost")

	require.NoError(t, m.Sync(ctx))
	assert.Equal(t, "real", m.Current().Goal)
	assert.NotContains(t, m.Current().Fields, "ghost")
}

func TestManager_EmptyUpdateRejected(t *testing.T) {
	s := newTestStoreAt(t, t.TempDir(), false)
	ctx := context.Background()

	m, err := NewManager(ctx, s)
	require.NoError(t, err)

	err = m.Update(ctx, map[string]interface{}{})
	require.Error(t, err)
	assert.Equal(t, cherrors.CodeEmptyPayload, cherrors.GetCode(err))

	count, cErr := s.Count(ctx)
	require.NoError(t, cErr)
	assert.Zero(t, count)
}

func TestManager_EventsCarrySessionID(t *testing.T) {
	s := newTestStoreAt(t, t.TempDir(), false)
	ctx := context.Background()

	m, err := NewManager(ctx, s)
	require.NoError(t, err)
	require.NoError(t, m.SetGoal(ctx, "tagged"))

	last, err := s.LastEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, m.SessionID(), last.SessionID)
	assert.Equal(t, types.EventGoalSet, last.Type)
}
