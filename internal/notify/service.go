package notify

import (
	"context"

	"github.com/google/uuid"
)

// Sender is the fire-and-forget sink used by the lifecycle services.
type Sender interface {
	// Send delivers msg; failures are logged, never returned.
	Send(ctx context.Context, msg Message)
	// SendOnce delivers msg unless one with the same (user, reference, kind)
	// already exists. It reports whether a notification was created.
	SendOnce(ctx context.Context, msg Message) (bool, error)
}

// Service defines the notification operations exposed to members.
type Service interface {
	Sender
	List(ctx context.Context, userID uuid.UUID) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID) error
	MarkAllRead(ctx context.Context, userID uuid.UUID) (int, error)
	Clear(ctx context.Context, userID uuid.UUID) (int, error)
}

// Publisher fans a stored notification out to a live channel.
type Publisher interface {
	Publish(ctx context.Context, n *Notification) error
}
