// Package archive exports ledger snapshots to object storage. A snapshot is
// a point-in-time, snappy-compressed copy of the full event log, used for
// cold recovery and off-host retention; it never participates in normal
// reads or writes.
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/golang/snappy"

	"github.com/chronicleworks/chronicle/internal/cache"
	"github.com/chronicleworks/chronicle/internal/ledger"
	"github.com/chronicleworks/chronicle/internal/storage"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// Snapshot file layout: 4-byte magic, 1-byte version, 8-byte event count,
// then a single snappy block of newline-delimited JSON events.
var snapshotMagic = [4]byte{'C', 'S', 'N', 'P'}

const snapshotVersion = 1

// fetchSeq disambiguates fetch work files created in the same clock tick.
var fetchSeq atomic.Uint64

// Archiver builds snapshot files in a work directory and uploads them to
// object storage.
type Archiver struct {
	ledger  *ledger.Ledger
	store   storage.ObjectStorage
	workDir string
	cache   *cache.ObjectCache
}

// NewArchiver creates an archiver writing work files under workDir.
func NewArchiver(l *ledger.Ledger, store storage.ObjectStorage, workDir string) *Archiver {
	return &Archiver{
		ledger:  l,
		store:   store,
		workDir: workDir,
	}
}

// UseCache enables a local read-through cache for fetched snapshot objects.
// Snapshots are immutable once uploaded, so cached copies never go stale.
func (a *Archiver) UseCache(c *cache.ObjectCache) {
	a.cache = c
}

// Result describes one completed snapshot.
type Result struct {
	ObjectPath string `json:"object_path"`
	EventCount int64  `json:"event_count"`
	LatestSeq  int64  `json:"latest_seq"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Snapshot streams the full ledger into a compressed snapshot file and
// uploads it. The local work file is removed after a successful upload.
func (a *Archiver) Snapshot(ctx context.Context) (Result, error) {
	start := time.Now()

	var count, latestSeq int64
	latestSeq = -1
	var body bytes.Buffer
	encoder := json.NewEncoder(&body)

	err := a.ledger.Stream(ctx, func(event types.Event) error {
		count++
		latestSeq = event.Seq
		return encoder.Encode(event)
	})
	if err != nil {
		return Result{}, fmt.Errorf("archive: failed to stream ledger: %w", err)
	}

	localPath := filepath.Join(a.workDir, fmt.Sprintf("snapshot_%016x.snap", time.Now().UnixNano()))
	if err := writeSnapshotFile(localPath, count, body.Bytes()); err != nil {
		return Result{}, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return Result{}, fmt.Errorf("archive: failed to stat snapshot: %w", err)
	}

	objectPath := fmt.Sprintf("snapshots/%s_seq%d.snap", time.Now().UTC().Format("20060102T150405Z"), latestSeq)
	if err := a.store.Upload(ctx, localPath, objectPath); err != nil {
		return Result{}, fmt.Errorf("archive: failed to upload snapshot: %w", err)
	}

	if err := os.Remove(localPath); err != nil {
		log.Printf("archive: failed to remove snapshot work file: %v", err)
	}

	log.Printf("archive: snapshot of %d events (seq <= %d) uploaded to %s in %v",
		count, latestSeq, objectPath, time.Since(start))

	return Result{
		ObjectPath: objectPath,
		EventCount: count,
		LatestSeq:  latestSeq,
		SizeBytes:  info.Size(),
	}, nil
}

// Fetch downloads a snapshot object and returns its events in seq order.
// With a cache enabled, repeated fetches of the same object read the local
// copy instead of hitting object storage again.
func (a *Archiver) Fetch(ctx context.Context, objectPath string) ([]types.Event, error) {
	if a.cache != nil {
		if cachedPath, ok := a.cache.Get(objectPath); ok {
			return ReadSnapshotFile(cachedPath)
		}
	}

	// The work path must be unique per call: concurrent fetches of the same
	// object would otherwise write over each other's download.
	localPath := filepath.Join(a.workDir,
		fmt.Sprintf("fetch_%016x_%d_%s", time.Now().UnixNano(), fetchSeq.Add(1),
			filepath.Base(objectPath)))
	if err := a.store.Download(ctx, objectPath, localPath); err != nil {
		return nil, fmt.Errorf("archive: failed to download snapshot: %w", err)
	}
	defer os.Remove(localPath)

	if a.cache != nil {
		if _, err := a.cache.Put(objectPath, localPath); err != nil {
			log.Printf("archive: failed to cache snapshot %s: %v", objectPath, err)
		}
	}

	return ReadSnapshotFile(localPath)
}

// List returns the object paths of all uploaded snapshots.
func (a *Archiver) List(ctx context.Context) ([]string, error) {
	return a.store.ListObjects(ctx, "snapshots/")
}

// writeSnapshotFile writes the framed, compressed snapshot to path.
func writeSnapshotFile(path string, count int64, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("archive: failed to create work directory: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic[:])
	buf.WriteByte(snapshotVersion)
	if err := binary.Write(&buf, binary.LittleEndian, count); err != nil {
		return fmt.Errorf("archive: failed to write header: %w", err)
	}
	buf.Write(snappy.Encode(nil, body))

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("archive: failed to create snapshot file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("archive: failed to write snapshot file: %w", err)
	}
	return file.Sync()
}

// ReadSnapshotFile parses a snapshot file into its events.
func ReadSnapshotFile(path string) ([]types.Event, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to read snapshot file: %w", err)
	}
	if len(raw) < 13 || !bytes.Equal(raw[:4], snapshotMagic[:]) {
		return nil, fmt.Errorf("archive: not a snapshot file: %s", path)
	}
	if raw[4] != snapshotVersion {
		return nil, fmt.Errorf("archive: unsupported snapshot version %d", raw[4])
	}

	count := int64(binary.LittleEndian.Uint64(raw[5:13]))

	body, err := snappy.Decode(nil, raw[13:])
	if err != nil {
		return nil, fmt.Errorf("archive: snappy decompress failed: %w", err)
	}

	events := make([]types.Event, 0, count)
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event types.Event
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("archive: failed to decode snapshot event: %w", err)
		}
		events = append(events, event)
	}
	if int64(len(events)) != count {
		return nil, fmt.Errorf("archive: snapshot event count mismatch: header %d, body %d", count, len(events))
	}
	return events, nil
}
