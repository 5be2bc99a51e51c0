package state

import (
	"context"
	"fmt"

	cherrors "github.com/chronicleworks/chronicle/internal/errors"
	"github.com/chronicleworks/chronicle/internal/store"
)

// UnitOfWork provides all-or-nothing semantics over a sequence of mutations
// by ledger truncation: on entry it captures the current head seq as a
// checkpoint; rollback deletes every event past the checkpoint and rebuilds
// the projection from the retained prefix. Commit is deliberately a no-op —
// events are already durable, and truncation (not compensating events) is
// the rollback mechanism so the audit trail never contains undone work.
type UnitOfWork struct {
	mgr        *Manager
	store      *store.EventStore
	checkpoint int64
	finished   bool
}

// Begin captures the rollback checkpoint and returns a scope exposing the
// manager's mutation surface.
func Begin(ctx context.Context, mgr *Manager, s *store.EventStore) (*UnitOfWork, error) {
	checkpoint, err := s.LatestSeq(ctx)
	if err != nil {
		return nil, cherrors.NewStateError(cherrors.CodeRollbackFailed,
			"failed to capture unit-of-work checkpoint", err)
	}
	return &UnitOfWork{
		mgr:        mgr,
		store:      s,
		checkpoint: checkpoint,
	}, nil
}

// Checkpoint returns the seq captured at entry (-1 for an empty ledger).
func (u *UnitOfWork) Checkpoint() int64 {
	return u.checkpoint
}

// SetGoal records a GoalSet event inside the scope.
func (u *UnitOfWork) SetGoal(ctx context.Context, goal string) error {
	return u.mgr.SetGoal(ctx, goal)
}

// TransitionTo records a StageChanged event inside the scope.
func (u *UnitOfWork) TransitionTo(ctx context.Context, stage string) error {
	return u.mgr.TransitionTo(ctx, stage)
}

// Update records a FieldsUpdated event inside the scope.
func (u *UnitOfWork) Update(ctx context.Context, fields map[string]interface{}) error {
	return u.mgr.Update(ctx, fields)
}

// Commit ends the scope; events appended inside it remain permanently in
// the ledger.
func (u *UnitOfWork) Commit() {
	u.finished = true
}

// Rollback truncates the ledger back to the checkpoint and rebuilds the
// projection from the retained prefix. Any failure here breaks the
// atomicity guarantee and is surfaced, never swallowed. Rollback after
// Commit (or a second Rollback) is a no-op.
func (u *UnitOfWork) Rollback(ctx context.Context) error {
	if u.finished {
		return nil
	}
	u.finished = true

	// The manager's view of the head guards against a sibling process
	// having appended mid-rollback; a moved head fails loudly instead of
	// destroying foreign events.
	if err := u.store.TruncateAfter(ctx, u.checkpoint, u.mgr.LastSeq()); err != nil {
		return cherrors.NewStateError(cherrors.CodeRollbackFailed,
			fmt.Sprintf("failed to truncate ledger after seq %d", u.checkpoint), err)
	}

	if err := u.mgr.Sync(ctx); err != nil {
		return cherrors.NewStateError(cherrors.CodeRollbackFailed,
			"failed to rebuild projection after rollback", err)
	}
	return nil
}

// Run executes fn inside a unit of work: an error (or panic) from fn rolls
// the ledger back to the checkpoint, otherwise the scope commits.
func Run(ctx context.Context, mgr *Manager, s *store.EventStore, fn func(*UnitOfWork) error) (err error) {
	uow, err := Begin(ctx, mgr, s)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			if rbErr := uow.Rollback(ctx); rbErr != nil {
				panic(fmt.Sprintf("rollback failed after panic %v: %v", r, rbErr))
			}
			panic(r)
		}
	}()

	if err := fn(uow); err != nil {
		if rbErr := uow.Rollback(ctx); rbErr != nil {
			return cherrors.NewStateError(cherrors.CodeRollbackFailed,
				fmt.Sprintf("rollback failed after error: %v", err), rbErr)
		}
		return err
	}

	uow.Commit()
	return nil
}
