// Package observability provides in-process counters for the event store,
// surfaced by the ops API health endpoint.
package observability

import (
	"sync"
	"time"
)

// StoreStats tracks append throughput, retry pressure, and dead-letter
// volume for the event store. All methods are O(1) and thread-safe.
type StoreStats struct {
	mu sync.RWMutex

	appends        int64
	appendFailures int64
	retries        int64
	deadLetters    int64
	replayed       int64
	workerRestarts int64
	lastAppendAt   time.Time
}

// NewStoreStats creates a new statistics tracker.
func NewStoreStats() *StoreStats {
	return &StoreStats{}
}

// RecordAppend records one durable append.
func (s *StoreStats) RecordAppend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	s.lastAppendAt = time.Now()
}

// RecordAppendFailure records one append that failed terminally.
func (s *StoreStats) RecordAppendFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendFailures++
}

// RecordRetry records one backoff retry attempt.
func (s *StoreStats) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// RecordDeadLetter records one entry written to the dead-letter file.
func (s *StoreStats) RecordDeadLetter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters++
}

// RecordReplay records n entries successfully replayed from the dead-letter
// file back into the ledger.
func (s *StoreStats) RecordReplay(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replayed += int64(n)
}

// RecordWorkerRestart records one background writer replacement after an
// unexpected worker death.
func (s *StoreStats) RecordWorkerRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workerRestarts++
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	Appends        int64     `json:"appends"`
	AppendFailures int64     `json:"append_failures"`
	Retries        int64     `json:"retries"`
	DeadLetters    int64     `json:"dead_letters"`
	Replayed       int64     `json:"replayed"`
	WorkerRestarts int64     `json:"worker_restarts"`
	LastAppendAt   time.Time `json:"last_append_at"`
}

// Snapshot returns the current counter values.
func (s *StoreStats) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Appends:        s.appends,
		AppendFailures: s.appendFailures,
		Retries:        s.retries,
		DeadLetters:    s.deadLetters,
		Replayed:       s.replayed,
		WorkerRestarts: s.workerRestarts,
		LastAppendAt:   s.lastAppendAt,
	}
}
