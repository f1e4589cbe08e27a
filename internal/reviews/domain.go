package reviews

import (
	"time"

	"github.com/google/uuid"
)

const (
	MinRating        = 1
	MaxRating        = 5
	maxCommentLength = 2000
)

// Review is a member's rating of a book. Only approved reviews count
// towards the book's average rating and are shown publicly.
type Review struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	BookID    uuid.UUID `json:"book_id" db:"book_id"`
	Rating    int       `json:"rating" db:"rating"`
	Comment   string    `json:"comment" db:"comment"`
	Approved  bool      `json:"is_approved" db:"is_approved"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type NewReview struct {
	BookID  uuid.UUID `json:"book_id"`
	Rating  int       `json:"rating"`
	Comment string    `json:"comment"`
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	UserID   uuid.UUID
	BookID   uuid.UUID
	Approved *bool
}

// Journal event types.
const (
	EventReviewAdded    = "ReviewAdded"
	EventReviewApproved = "ReviewApproved"
	EventReviewDeleted  = "ReviewDeleted"
)

type reviewEvent struct {
	UserID   uuid.UUID `json:"user_id"`
	BookID   uuid.UUID `json:"book_id"`
	Rating   int       `json:"rating"`
	Approved bool      `json:"is_approved"`
}

func eventOf(r *Review) reviewEvent {
	return reviewEvent{UserID: r.UserID, BookID: r.BookID, Rating: r.Rating, Approved: r.Approved}
}
