package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/chronicleworks/chronicle/pkg/types"
)

// DeadLetterFile is the newline-delimited JSON side file holding events that
// exhausted their durability retries. Each line carries a murmur3 frame
// checksum so a torn write from a crashed process is skipped on read instead
// of poisoning replay.
type DeadLetterFile struct {
	path string
	mu   sync.Mutex
}

// deadLetterLine is the on-disk framing of one entry.
type deadLetterLine struct {
	CRC   string                `json:"crc"`
	Entry types.DeadLetterEntry `json:"entry"`
}

// NewDeadLetterFile creates a handle to the dead-letter file at path. The
// file itself is created lazily on the first write.
func NewDeadLetterFile(path string) *DeadLetterFile {
	return &DeadLetterFile{path: path}
}

// Path returns the dead-letter file location.
func (d *DeadLetterFile) Path() string {
	return d.path
}

// Append writes one entry, fsyncing before returning: a dead letter is the
// last trace of an event that was never durable anywhere else.
func (d *DeadLetterFile) Append(entry types.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixNano()
	}

	line, err := encodeLine(entry)
	if err != nil {
		return err
	}

	file, err := os.OpenFile(d.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("deadletter: failed to open file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("deadletter: failed to write entry: %w", err)
	}
	return file.Sync()
}

// Entries reads every valid entry. Lines that fail to parse or whose frame
// checksum does not match are skipped with a logged warning.
func (d *DeadLetterFile) Entries() ([]types.DeadLetterEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readLocked()
}

// readLocked reads entries without taking the mutex.
func (d *DeadLetterFile) readLocked() ([]types.DeadLetterEntry, error) {
	file, err := os.Open(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("deadletter: failed to open file: %w", err)
	}
	defer file.Close()

	var entries []types.DeadLetterEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		entry, err := decodeLine(raw)
		if err != nil {
			warnMalformed("dead-letter", lineNo, err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("deadletter: failed to read file: %w", err)
	}
	return entries, nil
}

// Count returns the number of valid entries currently on disk.
func (d *DeadLetterFile) Count() (int, error) {
	entries, err := d.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Rewrite atomically replaces the file contents with the given entries.
// An empty slice removes the file entirely (the DLQ is clear).
func (d *DeadLetterFile) Rewrite(entries []types.DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(entries) == 0 {
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deadletter: failed to remove file: %w", err)
		}
		return nil
	}

	tmpPath := d.path + ".tmp"
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("deadletter: failed to create temp file: %w", err)
	}

	for _, entry := range entries {
		line, err := encodeLine(entry)
		if err != nil {
			file.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := file.Write(append(line, '\n')); err != nil {
			file.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("deadletter: failed to write entry: %w", err)
		}
	}

	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: failed to sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("deadletter: failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("deadletter: failed to replace file: %w", err)
	}
	return nil
}

// encodeLine frames one entry with its murmur3 checksum.
func encodeLine(entry types.DeadLetterEntry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("deadletter: failed to marshal entry: %w", err)
	}
	return json.Marshal(deadLetterLine{
		CRC:   frameChecksum(body),
		Entry: entry,
	})
}

// decodeLine parses and checksum-validates one framed line.
func decodeLine(raw []byte) (types.DeadLetterEntry, error) {
	var line deadLetterLine
	if err := json.Unmarshal(raw, &line); err != nil {
		return types.DeadLetterEntry{}, err
	}

	body, err := json.Marshal(line.Entry)
	if err != nil {
		return types.DeadLetterEntry{}, err
	}
	if got := frameChecksum(body); got != line.CRC {
		return types.DeadLetterEntry{}, fmt.Errorf("frame checksum mismatch: got %s, want %s", got, line.CRC)
	}
	return line.Entry, nil
}

// frameChecksum computes the murmur3 64-bit checksum of an entry body.
func frameChecksum(body []byte) string {
	return fmt.Sprintf("%016x", murmur3.Sum64(body))
}
