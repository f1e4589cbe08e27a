// Package journal keeps an append-only, per-aggregate log of lifecycle
// transitions (loans, requests, reservations, payments, books).
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrInvalidVersion      = errors.New("invalid version number")
)

// Entry is one recorded transition.
type Entry struct {
	ID            int64               `json:"id" db:"id"`
	AggregateID   uuid.UUID           `json:"aggregate_id" db:"aggregate_id"`
	AggregateType string              `json:"aggregate_type" db:"aggregate_type"`
	EventType     string              `json:"event_type" db:"event_type"`
	Payload       jsoniter.RawMessage `json:"payload" db:"payload"`
	Version       int                 `json:"version" db:"version"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// Store appends entries with optimistic concurrency on the aggregate version.
type Store interface {
	Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, entries []Entry) error
	Load(ctx context.Context, aggregateID uuid.UUID) ([]Entry, error)
	Version(ctx context.Context, aggregateID uuid.UUID) (int, error)
}

// Recorder is the write side used by the domain services.
type Recorder interface {
	Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, payload any) error
}

// Journal records entries on top of a Store, retrying version conflicts.
type Journal struct {
	store      Store
	maxRetries uint
	logger     zerolog.Logger
}

func New(store Store, logger zerolog.Logger) *Journal {
	return &Journal{
		store:      store,
		maxRetries: 5,
		logger:     logger.With().Str("component", "journal").Logger(),
	}
}

// Record appends one entry at the aggregate's next version.
func (j *Journal) Record(ctx context.Context, aggregateID uuid.UUID, aggregateType, eventType string, payload any) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 100 * time.Millisecond

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		version, err := j.store.Version(ctx, aggregateID)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		entry := Entry{
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     eventType,
			Payload:       data,
		}
		err = j.store.Append(ctx, aggregateID, aggregateType, version, []Entry{entry})
		if errors.Is(err, ErrConcurrencyConflict) {
			j.logger.Debug().Str("aggregate_id", aggregateID.String()).Msg("journal version conflict, retrying")
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(j.maxRetries))
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", eventType, err)
	}
	return nil
}

// History loads every entry of an aggregate in version order.
func (j *Journal) History(ctx context.Context, aggregateID uuid.UUID) ([]Entry, error) {
	return j.store.Load(ctx, aggregateID)
}

// Discard is a Recorder that drops entries.
type Discard struct{}

func (Discard) Record(context.Context, uuid.UUID, string, string, any) error { return nil }
