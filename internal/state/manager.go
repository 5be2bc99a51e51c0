package state

import (
	"context"
	"sync"

	"github.com/google/uuid"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/store"
	"github.com/chronicleworks/chronicle/pkg/types"
)

// Manager owns the in-memory projection and keeps it in sync with the
// ledger. Every mutation appends an event first and folds it into the cached
// projection only after it is durable; state that was never appended as an
// event does not survive Sync or reconstruction.
type Manager struct {
	store     *store.EventStore
	sessionID string

	mu      sync.Mutex
	current types.State
	lastSeq int64
}

// NewManager constructs a manager with a fresh session identity and builds
// its projection by streaming the full ledger. The projection reflects the
// union of history from every session that ever wrote to this ledger;
// session identity and state continuity are independent.
func NewManager(ctx context.Context, s *store.EventStore) (*Manager, error) {
	m := &Manager{
		store:     s,
		sessionID: uuid.New().String(),
		current:   types.EmptyState(),
		lastSeq:   -1,
	}
	if err := m.rebuild(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// SessionID returns this manager's session identity.
func (m *Manager) SessionID() string {
	return m.sessionID
}

// Current returns a snapshot of the projection. The snapshot is a deep copy:
// mutating it has no effect on the live state, and any such mutation is
// discarded by the next Sync regardless.
func (m *Manager) Current() types.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Clone()
}

// LastSeq returns the highest event seq folded into the projection, or -1
// when no event has been applied.
func (m *Manager) LastSeq() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeq
}

// SetGoal records a GoalSet event and applies it to the projection.
func (m *Manager) SetGoal(ctx context.Context, goal string) error {
	return m.append(ctx, types.EventGoalSet, map[string]interface{}{"goal": goal})
}

// TransitionTo records a StageChanged event and applies it to the projection.
func (m *Manager) TransitionTo(ctx context.Context, stage string) error {
	return m.append(ctx, types.EventStageChanged, map[string]interface{}{"stage": stage})
}

// Update records a FieldsUpdated event merging the given fields and applies
// it to the projection.
func (m *Manager) Update(ctx context.Context, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return cherrors.NewValidationError(cherrors.CodeEmptyPayload, "update requires at least one field")
	}
	return m.append(ctx, types.EventFieldsUpdated, fields)
}

// append writes one event durably and folds it into the cached projection,
// so the caller observes the new state without re-reading the ledger. In
// async mode the append waits for the writer: the projection only ever
// contains events that actually reached the ledger.
func (m *Manager) append(ctx context.Context, eventType string, payload map[string]interface{}) error {
	event, _, err := m.store.Append(ctx, eventType, payload, store.AppendOptions{
		SessionID: m.sessionID,
		Wait:      true,
	})
	if err != nil {
		return err
	}
	if event == nil {
		return cherrors.NewWriterError(cherrors.CodeDeadLettered,
			"append did not become durable", nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = Apply(m.current, *event)
	m.lastSeq = event.Seq
	return nil
}

// Sync discards the cached projection and rebuilds it from the full ledger.
// Used to observe events written by other processes sharing the backing
// file, and to guarantee that direct mutations of a stale snapshot never
// become state.
func (m *Manager) Sync(ctx context.Context) error {
	return m.rebuild(ctx)
}

// rebuild streams the ledger from the start into a fresh projection.
func (m *Manager) rebuild(ctx context.Context) error {
	state := types.EmptyState()
	lastSeq := int64(-1)

	err := m.store.Stream(ctx, func(event types.Event) error {
		state = Apply(state, event)
		lastSeq = event.Seq
		return nil
	})
	if err != nil {
		return cherrors.NewStateError(cherrors.CodeRebuildFailed,
			"failed to rebuild projection from ledger", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = state
	m.lastSeq = lastSeq
	return nil
}
