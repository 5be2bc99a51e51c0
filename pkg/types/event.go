// Package types provides core data types for Chronicle.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single immutable record in the ledger. Once durable it is never
// modified; the only removal path is an explicit unit-of-work truncation.
type Event struct {
	// ID is the UUID assigned when the event draft is created
	ID string `json:"id"`

	// Seq is the zero-based, gapless sequence number assigned by the ledger
	// at write time (not at enqueue time)
	Seq int64 `json:"seq"`

	// SessionID identifies the process/session that produced the event
	SessionID string `json:"session_id"`

	// Type categorizes the event (e.g., "GoalSet", "StageChanged")
	Type string `json:"type"`

	// Timestamp is the wall-clock time of durability (Unix nanoseconds)
	Timestamp int64 `json:"timestamp"`

	// Payload contains the event-specific data, interpreted only by the
	// state projector
	Payload map[string]interface{} `json:"payload"`

	// PrevHash is the checksum of the previous event, or "" for seq 0
	PrevHash string `json:"prev_hash"`

	// Checksum is the sha256 hash of this event's canonical content
	Checksum string `json:"checksum"`
}

// Draft is an event that has not yet been assigned a sequence number or
// written durably. Seq, Timestamp, PrevHash and Checksum are filled in by
// the ledger when the draft is appended.
type Draft struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
}

// Time returns the durability timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.Unix(0, e.Timestamp)
}

// canonicalContent is the hash input for an event checksum. Field order is
// fixed; payload keys are sorted by encoding/json during marshaling, so the
// encoding is deterministic for a given event.
type canonicalContent struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	SessionID string                 `json:"session_id"`
	Type      string                 `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
	PrevHash  string                 `json:"prev_hash"`
}

// ComputeChecksum returns the sha256 checksum of the event's canonical
// content (every field except the checksum itself). The payload is
// canonicalized through its JSON encoding first: a reader re-hydrates the
// payload from the stored JSON column, so the write-side hash must cover the
// re-hydrated form (e.g. large int64 values become float64), not the
// caller's in-memory values.
func (e *Event) ComputeChecksum() (string, error) {
	payload, err := canonicalPayload(e.Payload)
	if err != nil {
		return "", err
	}

	raw, err := json.Marshal(canonicalContent{
		ID:        e.ID,
		Seq:       e.Seq,
		SessionID: e.SessionID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		Payload:   payload,
		PrevHash:  e.PrevHash,
	})
	if err != nil {
		return "", fmt.Errorf("types: failed to marshal event content: %w", err)
	}
	h := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(h[:]), nil
}

// canonicalPayload round-trips the payload through encoding/json so the
// checksum input is identical whether the payload came from the appending
// caller or from a JSON column read. The round trip is idempotent: applying
// it to an already re-hydrated payload changes nothing.
func canonicalPayload(p map[string]interface{}) (map[string]interface{}, error) {
	if p == nil {
		return nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("types: failed to marshal event payload: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("types: failed to canonicalize event payload: %w", err)
	}
	return out, nil
}

// DeadLetterEntry records an event draft that could not be written durably
// after exhausting retries. Entries live in a newline-delimited JSON side
// file, never in the primary ledger.
type DeadLetterEntry struct {
	// Timestamp is when the entry was dead-lettered (Unix nanoseconds)
	Timestamp int64 `json:"timestamp"`

	// Error is the stringified final append error
	Error string `json:"error"`

	// Event is the original draft that failed
	Event Draft `json:"event"`
}
