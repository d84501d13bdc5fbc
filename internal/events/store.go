package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/openmargin/engine/internal/store"
	"github.com/openmargin/engine/types"
)

// EventStore appends and reads the position event log.
type EventStore struct {
	store *store.Store
}

// NewStore wraps the persistence gateway.
func NewStore(s *store.Store) *EventStore {
	return &EventStore{store: s}
}

// Append persists an event within the caller's transaction. When the
// idempotency key is already present no row survives and
// types.ErrDuplicateIdempotency is returned. The caller must let the
// transaction roll back and resolve the duplicate as success afterwards; a
// failed insert aborts the transaction on postgres, so the duplicate cannot
// be swallowed in-transaction.
func (es *EventStore) Append(tx *gorm.DB, ev *store.PositionEvent) error {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.IdempotencyKey != nil {
		var count int64
		if err := tx.Model(&store.PositionEvent{}).
			Where("idempotency_key = ?", *ev.IdempotencyKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", types.ErrDuplicateIdempotency, *ev.IdempotencyKey)
		}
	}
	if err := tx.Create(ev).Error; err != nil {
		// A concurrent writer can slip past the pre-check; the unique
		// index is the backstop.
		if isUniqueViolation(err) && ev.IdempotencyKey != nil {
			return fmt.Errorf("%w: %s", types.ErrDuplicateIdempotency, *ev.IdempotencyKey)
		}
		return err
	}
	log.Debug().
		Str("position_id", ev.PositionID).
		Str("event", string(ev.EventType)).
		Msg("Event appended")
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// ListByPosition returns the full chronologically ordered event sequence.
func (es *EventStore) ListByPosition(ctx context.Context, positionID string) ([]store.PositionEvent, error) {
	var out []store.PositionEvent
	err := es.store.DB(ctx).
		Where("position_id = ?", positionID).
		Order("created_at, id").
		Find(&out).Error
	return out, err
}

// LatestByPosition returns the most recent event for a position.
func (es *EventStore) LatestByPosition(ctx context.Context, positionID string) (*store.PositionEvent, error) {
	var ev store.PositionEvent
	err := es.store.DB(ctx).
		Where("position_id = ?", positionID).
		Order("created_at DESC, id DESC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: no events for %s", types.ErrPositionNotFound, positionID)
	}
	return &ev, err
}

// HasIdempotencyKey reports whether a key has already been committed.
func (es *EventStore) HasIdempotencyKey(ctx context.Context, key string) (bool, error) {
	var count int64
	err := es.store.DB(ctx).Model(&store.PositionEvent{}).
		Where("idempotency_key = ?", key).
		Count(&count).Error
	return count > 0, err
}
