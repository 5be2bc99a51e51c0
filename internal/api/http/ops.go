package http

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/chronicleworks/chronicle/internal/archive"
	"github.com/chronicleworks/chronicle/internal/observability"
	"github.com/chronicleworks/chronicle/internal/state"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// healthTimeout bounds the ledger probes inside the health check.
const healthTimeout = 5 * time.Second

// OpsHandler serves the recovery and audit endpoints consumed by ops
// tooling: state inspection, event traces, dead-letter replay, and snapshot
// export. The orchestration layer proper talks to the store in-process;
// this surface exists for operators.
type OpsHandler struct {
	store    *store.EventStore
	manager  *state.Manager
	archiver *archive.Archiver
}

// NewOpsHandler creates the ops API handler set.
func NewOpsHandler(s *store.EventStore, m *state.Manager, a *archive.Archiver) *OpsHandler {
	return &OpsHandler{
		store:    s,
		manager:  m,
		archiver: a,
	}
}

// Register attaches all ops routes to the mux.
func (h *OpsHandler) Register(mux *http.ServeMux) {
	mux.Handle("/v1/state", RequestIDMiddleware(http.HandlerFunc(h.handleState)))
	mux.Handle("/v1/events", RequestIDMiddleware(http.HandlerFunc(h.handleEvents)))
	mux.Handle("/v1/dlq/replay", RequestIDMiddleware(http.HandlerFunc(h.handleReplayDLQ)))
	mux.Handle("/v1/snapshot", RequestIDMiddleware(http.HandlerFunc(h.handleSnapshot)))
	mux.Handle("/v1/healthz", RequestIDMiddleware(http.HandlerFunc(h.handleHealth)))
}

// StateResponse represents the current projection.
type StateResponse struct {
	State     types.State `json:"state"`
	SessionID string      `json:"session_id"`
	LastSeq   int64       `json:"last_seq"`
	RequestID string      `json:"request_id"`
}

// handleState serves GET /v1/state.
func (h *OpsHandler) handleState(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	// Pick up events written by sibling processes before answering
	if err := h.manager.Sync(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to sync state: %v", err), requestID)
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		State:     h.manager.Current(),
		SessionID: h.manager.SessionID(),
		LastSeq:   h.manager.LastSeq(),
		RequestID: requestID,
	})
}

// EventsResponse represents an event trace page.
type EventsResponse struct {
	Events    []types.Event `json:"events"`
	Count     int           `json:"count"`
	RequestID string        `json:"request_id"`
}

// handleEvents serves GET /v1/events?since=<seq>&limit=<n>.
func (h *OpsHandler) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	since := int64(-1)
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since parameter", requestID)
			return
		}
		since = parsed
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit parameter", requestID)
			return
		}
		limit = parsed
	}

	events, err := h.store.EventsSince(r.Context(), since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to read events: %v", err), requestID)
		return
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		Events:    events,
		Count:     len(events),
		RequestID: requestID,
	})
}

// ReplayResponse represents the outcome of a dead-letter replay.
type ReplayResponse struct {
	Replayed  int    `json:"replayed"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
	RequestID string `json:"request_id"`
}

// handleReplayDLQ serves POST /v1/dlq/replay.
func (h *OpsHandler) handleReplayDLQ(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	report, err := h.store.ReplayDLQ(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("replay failed: %v", err), requestID)
		return
	}

	writeJSON(w, http.StatusOK, ReplayResponse{
		Replayed:  report.Replayed,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		RequestID: requestID,
	})
}

// SnapshotResponse represents a completed snapshot export.
type SnapshotResponse struct {
	ObjectPath string `json:"object_path"`
	EventCount int64  `json:"event_count"`
	LatestSeq  int64  `json:"latest_seq"`
	SizeBytes  int64  `json:"size_bytes"`
	RequestID  string `json:"request_id"`
}

// handleSnapshot serves POST /v1/snapshot.
func (h *OpsHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	// Drain the writer so the snapshot reflects everything accepted so far
	if err := h.store.Flush(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to flush store: %v", err), requestID)
		return
	}

	result, err := h.archiver.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("snapshot failed: %v", err), requestID)
		return
	}

	writeJSON(w, http.StatusOK, SnapshotResponse{
		ObjectPath: result.ObjectPath,
		EventCount: result.EventCount,
		LatestSeq:  result.LatestSeq,
		SizeBytes:  result.SizeBytes,
		RequestID:  requestID,
	})
}

// HealthResponse represents engine health.
type HealthResponse struct {
	Status          string                 `json:"status"`
	WriterAlive     bool                   `json:"writer_alive"`
	LatestSeq       int64                  `json:"latest_seq"`
	EventCount      int64                  `json:"event_count"`
	DeadLetterCount int                    `json:"dead_letter_count"`
	Stats           observability.Snapshot `json:"stats"`
	RequestID       string                 `json:"request_id"`
}

// handleHealth serves GET /v1/healthz.
func (h *OpsHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	latestSeq, err := h.store.LatestSeq(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("ledger unreachable: %v", err), requestID)
		return
	}
	count, err := h.store.Count(ctx)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("ledger unreachable: %v", err), requestID)
		return
	}
	dlqCount, err := h.store.DeadLetterCount()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("dead-letter file unreadable: %v", err), requestID)
		return
	}

	resp := HealthResponse{
		Status:          "ok",
		WriterAlive:     h.store.WriterAlive(),
		LatestSeq:       latestSeq,
		EventCount:      count,
		DeadLetterCount: dlqCount,
		Stats:           h.store.Stats(),
		RequestID:       requestID,
	}
	status := http.StatusOK
	if !resp.WriterAlive {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
