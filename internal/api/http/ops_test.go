package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/archive"
	"github.com/chronicleworks/chronicle/internal/config"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/internal/state"
	"github.com/chronicleworks/chronicle/internal/storage"
	"github.com/chronicleworks/chronicle/internal/store"
)

type opsFixture struct {
	server  *httptest.Server
	store   *store.EventStore
	manager *state.Manager
}

func newOpsFixture(t *testing.T) *opsFixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	p := pool.New(filepath.Join(dir, "ledger.db"), pool.Config{
		MaxConnectionAge: time.Minute,
		BusyTimeout:      time.Second,
	})
	l, err := ledger.New(ctx, p, ledger.Options{VerifyChain: true})
	require.NoError(t, err)

	dlq := ledger.NewDeadLetterFile(filepath.Join(dir, "dead_letter.jsonl"))
	s := store.New(config.StoreConfig{
		AsyncMode:         true,
		MaxRetries:        3,
		RetryBaseDelay:    time.Millisecond,
		QueueSize:         64,
		AppendWaitTimeout: 5 * time.Second,
		CloseTimeout:      5 * time.Second,
	}, l, dlq, p, observability.NewStoreStats())

	m, err := state.NewManager(ctx, s)
	require.NoError(t, err)

	local, err := storage.NewLocalStorage(filepath.Join(dir, "storage"))
	require.NoError(t, err)
	a := archive.NewArchiver(l, local, filepath.Join(dir, "snapshots"))

	mux := http.NewServeMux()
	NewOpsHandler(s, m, a).Register(mux)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})

	return &opsFixture{server: srv, store: s, manager: m}
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestOps_StateReflectsMutations(t *testing.T) {
	fx := newOpsFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.manager.SetGoal(ctx, "ship the release"))
	require.NoError(t, fx.manager.TransitionTo(ctx, "review"))

	resp, err := http.Get(fx.server.URL + "/v1/state")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body StateResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "ship the release", body.State.Goal)
	assert.Equal(t, "review", body.State.Stage)
	assert.Equal(t, int64(1), body.LastSeq)
	assert.Equal(t, fx.manager.SessionID(), body.SessionID)
	assert.NotEmpty(t, body.RequestID)
}

func TestOps_StateRejectsPost(t *testing.T) {
	fx := newOpsFixture(t)

	resp, err := http.Post(fx.server.URL+"/v1/state", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestOps_EventsPagination(t *testing.T) {
	fx := newOpsFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, fx.manager.Update(ctx, map[string]interface{}{"n": i}))
	}
	require.NoError(t, fx.store.Flush(ctx))

	resp, err := http.Get(fx.server.URL + "/v1/events")
	require.NoError(t, err)
	var all EventsResponse
	decodeBody(t, resp, &all)
	assert.Equal(t, 5, all.Count)
	assert.Equal(t, int64(0), all.Events[0].Seq)

	resp, err = http.Get(fx.server.URL + "/v1/events?since=2&limit=2")
	require.NoError(t, err)
	var page EventsResponse
	decodeBody(t, resp, &page)
	assert.Equal(t, 2, page.Count)
	assert.Equal(t, int64(3), page.Events[0].Seq)
	assert.Equal(t, int64(4), page.Events[1].Seq)
}

func TestOps_EventsRejectsBadParams(t *testing.T) {
	fx := newOpsFixture(t)

	for _, url := range []string{
		fx.server.URL + "/v1/events?since=abc",
		fx.server.URL + "/v1/events?limit=0",
		fx.server.URL + "/v1/events?limit=nope",
	} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, url)
	}
}

func TestOps_ReplayEmptyDLQ(t *testing.T) {
	fx := newOpsFixture(t)

	resp, err := http.Post(fx.server.URL+"/v1/dlq/replay", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body ReplayResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, 0, body.Replayed)
	assert.Equal(t, 0, body.Failed)
}

func TestOps_SnapshotExportsLedger(t *testing.T) {
	fx := newOpsFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.manager.SetGoal(ctx, "archive me"))

	resp, err := http.Post(fx.server.URL+"/v1/snapshot", "application/json", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body SnapshotResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, int64(1), body.EventCount)
	assert.Equal(t, int64(0), body.LatestSeq)
	assert.NotEmpty(t, body.ObjectPath)
	assert.Greater(t, body.SizeBytes, int64(0))
}

func TestOps_HealthzReportsOK(t *testing.T) {
	fx := newOpsFixture(t)
	ctx := context.Background()

	require.NoError(t, fx.manager.SetGoal(ctx, "stay healthy"))
	require.NoError(t, fx.store.Flush(ctx))

	resp, err := http.Get(fx.server.URL + "/v1/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body.Status)
	assert.True(t, body.WriterAlive)
	assert.Equal(t, int64(0), body.LatestSeq)
	assert.Equal(t, int64(1), body.EventCount)
	assert.Equal(t, 0, body.DeadLetterCount)
	assert.Equal(t, int64(1), body.Stats.Appends)
}

func TestOps_RequestIDPropagation(t *testing.T) {
	fx := newOpsFixture(t)

	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/v1/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "test-req-42")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "test-req-42", resp.Header.Get("X-Request-ID"))

	var body HealthResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "test-req-42", body.RequestID)
}
