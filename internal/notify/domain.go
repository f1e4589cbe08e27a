package notify

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a notification is about.
type Kind string

const (
	KindReservationReady   Kind = "RESERVATION_READY"
	KindReservationQueued  Kind = "RESERVATION_QUEUED"
	KindReservationExpired Kind = "RESERVATION_EXPIRED"
	KindBorrowRequested    Kind = "BORROW_REQUESTED"
	KindBorrowApproved     Kind = "BORROW_APPROVED"
	KindBorrowRejected     Kind = "BORROW_REJECTED"
	KindReturnRequested    Kind = "RETURN_REQUESTED"
	KindReturnApproved     Kind = "RETURN_APPROVED"
	KindFine               Kind = "FINE"
	KindPaymentSuccess     Kind = "PAYMENT_SUCCESS"
)

// Message is what producers hand to the sink.
type Message struct {
	UserID      uuid.UUID
	Kind        Kind
	ReferenceID uuid.UUID // zero when the message is not tied to an entity
	Title       string
	Body        string
}

// Notification is a persisted message.
type Notification struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	UserID      uuid.UUID  `json:"user_id" db:"user_id"`
	ReferenceID *uuid.UUID `json:"reference_id,omitempty" db:"reference_id"`
	Kind        Kind       `json:"kind" db:"kind"`
	Title       string     `json:"title" db:"title"`
	Message     string     `json:"message" db:"message"`
	IsRead      bool       `json:"is_read" db:"is_read"`
	Cleared     bool       `json:"-" db:"cleared"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

func newNotification(msg Message, now time.Time) *Notification {
	n := &Notification{
		ID:        uuid.New(),
		UserID:    msg.UserID,
		Kind:      msg.Kind,
		Title:     msg.Title,
		Message:   msg.Body,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if msg.ReferenceID != uuid.Nil {
		ref := msg.ReferenceID
		n.ReferenceID = &ref
	}
	return n
}
