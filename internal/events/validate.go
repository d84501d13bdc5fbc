package events

import (
	"fmt"

	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// ValidateSequence checks that a candidate event sequence starts with
// POSITION_CREATED and that every state-changing event matches the
// transition table. Events with no previous/new status are audit markers
// and are skipped.
func ValidateSequence(evs []store.PositionEvent) error {
	if len(evs) == 0 {
		return fmt.Errorf("%w: empty event sequence", types.ErrIntegrityViolation)
	}
	if evs[0].EventType != types.EventPositionCreated {
		return fmt.Errorf("%w: sequence starts with %s, want %s",
			types.ErrIntegrityViolation, evs[0].EventType, types.EventPositionCreated)
	}

	current := types.StatusPending
	for i := range evs[1:] {
		ev := &evs[i+1]
		if ev.EventType == types.EventPositionCreated {
			return fmt.Errorf("%w: duplicate %s at event %d",
				types.ErrIntegrityViolation, types.EventPositionCreated, ev.ID)
		}
		if ev.PreviousStatus == "" && ev.NewStatus == "" {
			continue
		}
		if ev.PreviousStatus != current {
			return fmt.Errorf("%w: event %d expects previous status %s, log is at %s",
				types.ErrIntegrityViolation, ev.ID, ev.PreviousStatus, current)
		}
		if ev.NewStatus != current && !types.CanTransition(current, ev.NewStatus) {
			return fmt.Errorf("%w: event %d transition %s -> %s",
				types.ErrInvalidTransition, ev.ID, current, ev.NewStatus)
		}
		current = ev.NewStatus
	}
	return nil
}
