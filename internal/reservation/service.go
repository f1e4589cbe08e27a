package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service defines the interface for the reservation queue.
type Service interface {
	// Reserve queues userID for bookID. The reservation starts notified only
	// when nobody is waiting and a free copy is not already claimed by
	// another priority window.
	Reserve(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error)
	// PromoteNext moves the oldest pending reservation of bookID into its
	// priority window. It returns nil when nothing was promoted.
	PromoteNext(ctx context.Context, bookID uuid.UUID) (*Reservation, error)
	// PromoteWaiting promotes pending reservations in FIFO order until the
	// free copies are all claimed or the queue is empty.
	PromoteWaiting(ctx context.Context, bookID uuid.UUID) (int, error)
	// ExpireDue expires notified reservations whose window closed before
	// now, oldest first, promoting the next in line for each.
	ExpireDue(ctx context.Context, now time.Time) (ExpirySummary, error)

	// CheckPriority fails with Conflict when another user holds an unexpired
	// notified reservation on bookID.
	CheckPriority(ctx context.Context, userID, bookID uuid.UUID) error
	// StartBorrow advances the caller's own notified reservation to
	// in-progress. It returns nil when the caller holds none.
	StartBorrow(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error)
	// Complete closes the user's notified or in-progress reservations on bookID.
	Complete(ctx context.Context, userID, bookID uuid.UUID) (int, error)
	// Release expires the user's in-progress reservation after a rejected
	// borrow and hands the window to the next in line.
	Release(ctx context.Context, userID, bookID uuid.UUID) error

	ListMine(ctx context.Context, userID uuid.UUID) ([]*Reservation, error)
	List(ctx context.Context, f Filter) ([]*Reservation, error)
}
