package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronicleworks/chronicle/internal/pool"
	"github.com/chronicleworks/chronicle/pkg/types"
)

func writeLegacyFile(t *testing.T, dir string, lines []string) string {
	t.Helper()
	path := filepath.Join(dir, "ledger.jsonl")
	var content string
	for _, line := range lines {
		content += line + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestMigrate_ImportsLegacyEvents(t *testing.T) {
	dir := t.TempDir()
	legacyPath := writeLegacyFile(t, dir, []string{
		`{"id":"a","session_id":"s1","type":"GoalSet","timestamp":100,"payload":{"goal":"ship"}}`,
		`{"id":"b","session_id":"s1","type":"StageChanged","timestamp":200,"payload":{"stage":"BUILD"}}`,
	})

	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	defer p.Close()

	ctx := context.Background()
	l, err := New(ctx, p, Options{VerifyChain: true, LegacyPath: legacyPath})
	require.NoError(t, err)

	var events []types.Event
	require.NoError(t, l.Stream(ctx, func(e types.Event) error {
		events = append(events, e)
		return nil
	}))

	require.Len(t, events, 2)
	assert.Equal(t, int64(0), events[0].Seq)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, int64(100), events[0].Timestamp)
	assert.Equal(t, int64(1), events[1].Seq)
	assert.Equal(t, "BUILD", events[1].Payload["stage"])

	// The migrated file is renamed so the next startup skips it
	assert.NoFileExists(t, legacyPath)
	assert.FileExists(t, legacyPath+".migrated")
}

func TestMigrate_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	legacyPath := writeLegacyFile(t, dir, []string{
		`{"id":"a","type":"GoalSet","timestamp":100,"payload":{"goal":"ship"}}`,
		`{not valid json`,
		`{"id":"c","timestamp":300,"payload":{"x":1}}`,
		`{"id":"d","type":"StageChanged","timestamp":400,"payload":{"stage":"BUILD"}}`,
	})

	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	defer p.Close()

	ctx := context.Background()
	l, err := New(ctx, p, Options{VerifyChain: true, LegacyPath: legacyPath})
	require.NoError(t, err)

	// The broken line and the one without a type were dropped; the valid
	// events survive with reassigned sequence numbers
	count, err := l.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	var last types.Event
	require.NoError(t, l.Stream(ctx, func(e types.Event) error {
		last = e
		return nil
	}))
	assert.Equal(t, int64(1), last.Seq)
	assert.Equal(t, "BUILD", last.Payload["stage"])
}

func TestMigrate_FillsMissingIDAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	legacyPath := writeLegacyFile(t, dir, []string{
		`{"type":"GoalSet","payload":{"goal":"ship"}}`,
	})

	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	defer p.Close()

	ctx := context.Background()
	l, err := New(ctx, p, Options{VerifyChain: true, LegacyPath: legacyPath})
	require.NoError(t, err)

	last, err := l.LastEvent(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotEmpty(t, last.ID)
	assert.NotZero(t, last.Timestamp)
}

func TestMigrate_SkippedWhenStoreNotEmpty(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ledger.db")
	ctx := context.Background()

	// Seed the structured store first
	p1 := pool.New(dbPath, pool.DefaultConfig())
	l1, err := New(ctx, p1, Options{VerifyChain: true})
	require.NoError(t, err)
	_, err = l1.AppendNow(ctx, types.Draft{
		ID: "existing", Type: types.EventGoalSet,
		Payload: map[string]interface{}{"goal": "already here"},
	})
	require.NoError(t, err)
	require.NoError(t, l1.Close())
	require.NoError(t, p1.Close())

	legacyPath := writeLegacyFile(t, dir, []string{
		`{"id":"a","type":"GoalSet","timestamp":100,"payload":{"goal":"legacy"}}`,
	})

	p2 := pool.New(dbPath, pool.DefaultConfig())
	defer p2.Close()
	l2, err := New(ctx, p2, Options{VerifyChain: true, LegacyPath: legacyPath})
	require.NoError(t, err)

	count, err := l2.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// The legacy file is untouched when migration does not run
	assert.FileExists(t, legacyPath)
}

func TestMigrate_NoLegacyFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	p := pool.New(filepath.Join(dir, "ledger.db"), pool.DefaultConfig())
	defer p.Close()

	_, err := New(context.Background(), p, Options{
		VerifyChain: true,
		LegacyPath:  filepath.Join(dir, "does-not-exist.jsonl"),
	})
	assert.NoError(t, err)
}
