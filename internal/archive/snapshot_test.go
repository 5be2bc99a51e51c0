package archive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/cache"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/internal/storage"
	"github.com/chronicleworks/chronicle/pkg/types"
)

func newTestArchiver(t *testing.T) (*Archiver, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()

	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	t.Cleanup(func() { p.Close() })

	l, err := ledger.New(context.Background(), p, ledger.Options{VerifyChain: true})
	require.NoError(t, err)

	store, err := storage.NewLocalStorage(filepath.Join(dir, "objects"))
	require.NoError(t, err)

	return NewArchiver(l, store, filepath.Join(dir, "work")), l
}

func seedLedger(t *testing.T, l *ledger.Ledger, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		_, err := l.AppendNow(ctx, types.Draft{
			ID:        "evt",
			SessionID: "s1",
			Type:      types.EventFieldsUpdated,
			Payload:   map[string]interface{}{"index": i},
		})
		require.NoError(t, err)
	}
}

func TestArchiver_SnapshotRoundTrip(t *testing.T) {
	a, l := newTestArchiver(t)
	seedLedger(t, l, 25)
	ctx := context.Background()

	result, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), result.EventCount)
	assert.Equal(t, int64(24), result.LatestSeq)
	assert.Contains(t, result.ObjectPath, "snapshots/")
	assert.Positive(t, result.SizeBytes)

	events, err := a.Fetch(ctx, result.ObjectPath)
	require.NoError(t, err)
	require.Len(t, events, 25)
	for i, event := range events {
		assert.Equal(t, int64(i), event.Seq)
		assert.Equal(t, float64(i), event.Payload["index"])
	}
	// Hash chain fields survive the round trip intact
	assert.Equal(t, events[0].Checksum, events[1].PrevHash)
}

func TestArchiver_CachedFetchSkipsStorage(t *testing.T) {
	a, l := newTestArchiver(t)
	seedLedger(t, l, 5)
	ctx := context.Background()

	c, err := cache.NewObjectCache(t.TempDir(), 16<<20)
	require.NoError(t, err)
	a.UseCache(c)

	result, err := a.Snapshot(ctx)
	require.NoError(t, err)

	first, err := a.Fetch(ctx, result.ObjectPath)
	require.NoError(t, err)
	require.Len(t, first, 5)
	assert.Equal(t, int64(1), c.Stats().Misses)

	// Second fetch is served from the cache
	second, err := a.Fetch(ctx, result.ObjectPath)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), c.Stats().Hits)
	assert.Equal(t, 1, c.Stats().Entries)
}

func TestArchiver_ConcurrentFetchesOfSameObject(t *testing.T) {
	a, l := newTestArchiver(t)
	seedLedger(t, l, 10)
	ctx := context.Background()

	result, err := a.Snapshot(ctx)
	require.NoError(t, err)

	// Each fetch must work on its own download; a shared work file would let
	// one goroutine read a half-written or already-removed copy.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	counts := make([]int, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			events, err := a.Fetch(ctx, result.ObjectPath)
			errs[i] = err
			counts[i] = len(events)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		require.NoError(t, errs[i])
		assert.Equal(t, 10, counts[i])
	}
}

func TestArchiver_SnapshotOfEmptyLedger(t *testing.T) {
	a, _ := newTestArchiver(t)
	ctx := context.Background()

	result, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.EventCount)
	assert.Equal(t, int64(-1), result.LatestSeq)

	events, err := a.Fetch(ctx, result.ObjectPath)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestArchiver_WorkFileRemovedAfterUpload(t *testing.T) {
	a, l := newTestArchiver(t)
	seedLedger(t, l, 3)

	_, err := a.Snapshot(context.Background())
	require.NoError(t, err)

	entries, err := os.ReadDir(a.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestArchiver_ListReturnsUploadedSnapshots(t *testing.T) {
	a, l := newTestArchiver(t)
	seedLedger(t, l, 2)
	ctx := context.Background()

	first, err := a.Snapshot(ctx)
	require.NoError(t, err)
	seedLedger(t, l, 2)
	second, err := a.Snapshot(ctx)
	require.NoError(t, err)

	paths, err := a.List(ctx)
	require.NoError(t, err)
	assert.Contains(t, paths, first.ObjectPath)
	assert.Contains(t, paths, second.ObjectPath)
}

func TestReadSnapshotFile_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.snap")
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a snapshot"), 0644))
	_, err := ReadSnapshotFile(garbage)
	assert.Error(t, err)

	truncated := filepath.Join(dir, "short.snap")
	require.NoError(t, os.WriteFile(truncated, []byte("CSNP"), 0644))
	_, err = ReadSnapshotFile(truncated)
	assert.Error(t, err)

	badVersion := filepath.Join(dir, "version.snap")
	raw := append([]byte("CSNP"), 99)
	raw = append(raw, make([]byte, 8)...)
	require.NoError(t, os.WriteFile(badVersion, raw, 0644))
	_, err = ReadSnapshotFile(badVersion)
	assert.Error(t, err)
}
