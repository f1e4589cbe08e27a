package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AvailabilityStatus is derived from the available copy count.
type AvailabilityStatus string

const (
	StatusAvailable   AvailabilityStatus = "available"
	StatusUnavailable AvailabilityStatus = "unavailable"
)

func statusFor(available int) AvailabilityStatus {
	if available > 0 {
		return StatusAvailable
	}
	return StatusUnavailable
}

// Book is a title with a pool of copies. 0 <= AvailableCopies <= TotalCopies.
type Book struct {
	ID                 uuid.UUID          `json:"id" db:"id"`
	ISBN               string             `json:"isbn" db:"isbn"`
	Title              string             `json:"title" db:"title"`
	Author             string             `json:"author" db:"author"`
	Genre              string             `json:"genre" db:"genre"`
	PublicationYear    int                `json:"publication_year" db:"publication_year"`
	TotalCopies        int                `json:"total_copies" db:"total_copies"`
	AvailableCopies    int                `json:"available_copies" db:"available_copies"`
	AvailabilityStatus AvailabilityStatus `json:"availability_status" db:"availability_status"`
	AverageRating      decimal.Decimal    `json:"average_rating" db:"average_rating"`
	ReviewCount        int                `json:"review_count" db:"review_count"`
	Version            int                `json:"version" db:"version"`
	CreatedAt          time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at" db:"updated_at"`
}

// NewBook is the input for adding a title.
type NewBook struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Genre           string `json:"genre"`
	PublicationYear int    `json:"publication_year"`
	TotalCopies     int    `json:"total_copies"`
}

// RestockListener runs when a book's available copies rise.
type RestockListener func(ctx context.Context, bookID uuid.UUID)

// Journal event types.
const (
	EventBookAdded      = "BookAdded"
	EventCopiesChanged  = "CopiesChanged"
	EventCopyCheckedOut = "CopyCheckedOut"
	EventCopyReturned   = "CopyReturned"
	EventRatingChanged  = "RatingChanged"
)

type copiesChangedEvent struct {
	TotalCopies     int `json:"total_copies"`
	AvailableCopies int `json:"available_copies"`
}

type ratingChangedEvent struct {
	AverageRating decimal.Decimal `json:"average_rating"`
	ReviewCount   int             `json:"review_count"`
}
