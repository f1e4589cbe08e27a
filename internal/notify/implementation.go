package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/clock"
)

// dispatcher persists notifications and fans them out to publishers.
type dispatcher struct {
	repo       Repository
	publishers []Publisher
	clock      clock.Clock
	logger     zerolog.Logger
}

// NewService creates the notification sink.
func NewService(repo Repository, clk clock.Clock, logger zerolog.Logger, publishers ...Publisher) Service {
	return &dispatcher{
		repo:       repo,
		publishers: publishers,
		clock:      clk,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

func (d *dispatcher) Send(ctx context.Context, msg Message) {
	n := newNotification(msg, d.clock.Now())
	if err := d.repo.Insert(ctx, n); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return
		}
		d.logger.Error().Err(err).
			Str("user_id", msg.UserID.String()).
			Str("kind", string(msg.Kind)).
			Msg("failed to store notification")
		return
	}
	d.publish(ctx, n)
}

func (d *dispatcher) SendOnce(ctx context.Context, msg Message) (bool, error) {
	if msg.ReferenceID == uuid.Nil {
		return false, apperr.New(apperr.KindInvalid, "one-shot notification needs a reference")
	}
	exists, err := d.repo.Exists(ctx, msg.UserID, msg.ReferenceID, msg.Kind)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	n := newNotification(msg, d.clock.Now())
	if err := d.repo.Insert(ctx, n); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to store notification: %w", err)
	}
	d.publish(ctx, n)
	return true, nil
}

func (d *dispatcher) publish(ctx context.Context, n *Notification) {
	for _, p := range d.publishers {
		if err := p.Publish(ctx, n); err != nil {
			d.logger.Warn().Err(err).Str("notification_id", n.ID.String()).Msg("failed to publish notification")
		}
	}
}

func (d *dispatcher) List(ctx context.Context, userID uuid.UUID) ([]*Notification, error) {
	return d.repo.ListByUser(ctx, userID)
}

func (d *dispatcher) MarkRead(ctx context.Context, userID, id uuid.UUID) error {
	return d.repo.MarkRead(ctx, userID, id, d.clock.Now())
}

func (d *dispatcher) MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error) {
	return d.repo.MarkAllRead(ctx, userID, d.clock.Now())
}

func (d *dispatcher) Clear(ctx context.Context, userID uuid.UUID) (int, error) {
	return d.repo.Clear(ctx, userID, d.clock.Now())
}
