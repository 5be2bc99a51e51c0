package types

// Event type tags understood by the state projector. Unknown tags are
// ignored on replay so older binaries can read ledgers written by newer ones.
const (
	EventSessionStarted = "SessionStarted"
	EventGoalSet        = "GoalSet"
	EventStageChanged   = "StageChanged"
	EventFieldsUpdated  = "FieldsUpdated"
)

// State is the application projection derived purely by folding events in
// seq order from EmptyState. It is owned by the state manager and never
// persisted directly; every field must be derivable from the event stream.
type State struct {
	// Goal is the currently declared objective
	Goal string `json:"goal"`

	// Stage is the current workflow stage (e.g., "PLAN", "BUILD")
	Stage string `json:"stage"`

	// Fields holds arbitrary key/value data merged by FieldsUpdated events
	Fields map[string]interface{} `json:"fields"`

	// LastSessionID is the session that wrote the most recent event
	LastSessionID string `json:"last_session_id"`

	// UpdatedAt is the durability timestamp of the most recent event
	// (Unix nanoseconds), zero if no events have been applied
	UpdatedAt int64 `json:"updated_at"`

	// EventCount is the number of events folded into this projection
	EventCount int64 `json:"event_count"`
}

// EmptyState returns the zero projection that replay starts from.
func EmptyState() State {
	return State{Fields: make(map[string]interface{})}
}

// Clone returns a deep copy of the state. The fields map is copied so a
// caller holding a snapshot cannot alias the live projection.
func (s State) Clone() State {
	cp := s
	cp.Fields = make(map[string]interface{}, len(s.Fields))
	for k, v := range s.Fields {
		cp.Fields[k] = v
	}
	return cp
}
