package reservation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusNotified   Status = "notified"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusExpired    Status = "expired"
)

// OpenStatuses hold a place in the queue or the priority window.
var OpenStatuses = []Status{StatusPending, StatusNotified, StatusInProgress}

// ActiveStatuses consume a free copy's priority window.
var ActiveStatuses = []Status{StatusNotified, StatusInProgress}

// Reservation is a queued claim on a copy of a book. ExpiresAt is set only
// while the reservation is notified.
type Reservation struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	UserID    uuid.UUID  `json:"user_id" db:"user_id"`
	BookID    uuid.UUID  `json:"book_id" db:"book_id"`
	Status    Status     `json:"status" db:"status"`
	ExpiresAt *time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID   uuid.UUID
	BookID   uuid.UUID
	Statuses []Status
}

// ExpirySummary reports one expiry pass.
type ExpirySummary struct {
	Expired  int
	Promoted int
	Failed   int
}

// Journal event types.
const (
	EventReserved   = "Reserved"
	EventPromoted   = "Promoted"
	EventInProgress = "BorrowStarted"
	EventCompleted  = "Completed"
	EventExpired    = "Expired"
	EventReleased   = "Released"
)

type transitionEvent struct {
	UserID    uuid.UUID  `json:"user_id"`
	BookID    uuid.UUID  `json:"book_id"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func eventOf(r *Reservation) transitionEvent {
	return transitionEvent{UserID: r.UserID, BookID: r.BookID, Status: r.Status, ExpiresAt: r.ExpiresAt}
}
