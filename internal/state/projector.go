// Package state derives the live application projection by folding ledger
// events, and provides the mutation surface that couples writes with
// projection updates.
package state

import (
	"github.com/chronicleworks/chronicle/pkg/types"
)

// Apply folds one event into a state, returning the successor state. It is
// a pure function: no I/O, no side effects, and the input state is never
// mutated. Unknown event types are ignored so newer writers can share a
// ledger with older readers.
func Apply(state types.State, event types.Event) types.State {
	next := state.Clone()

	switch event.Type {
	case types.EventGoalSet:
		if goal, ok := event.Payload["goal"].(string); ok {
			next.Goal = goal
		}

	case types.EventStageChanged:
		if stage, ok := event.Payload["stage"].(string); ok {
			next.Stage = stage
		}

	case types.EventFieldsUpdated:
		for key, value := range event.Payload {
			next.Fields[key] = value
		}

	case types.EventSessionStarted:
		// Bookkeeping fields below are the whole effect

	default:
		// Forward compatibility: an unrecognized type must not be fatal
		// and must not disturb the projection
		return state
	}

	next.LastSessionID = event.SessionID
	next.UpdatedAt = event.Timestamp
	next.EventCount++
	return next
}

// Replay folds a sequence of events from the empty state.
func Replay(events []types.Event) types.State {
	state := types.EmptyState()
	for _, event := range events {
		state = Apply(state, event)
	}
	return state
}
