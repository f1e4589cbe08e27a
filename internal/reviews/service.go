package reviews

import (
	"context"

	"github.com/google/uuid"
)

// Service defines the interface for book reviews.
type Service interface {
	// Add files an unapproved review. A member reviews each book at most once.
	Add(ctx context.Context, userID uuid.UUID, in NewReview) (*Review, error)
	// Approve publishes a review and refreshes the book's rating. Approving
	// an approved review returns it unchanged.
	Approve(ctx context.Context, id uuid.UUID) (*Review, error)
	// Delete removes a review and refreshes the book's rating.
	Delete(ctx context.Context, id uuid.UUID) error

	ListMine(ctx context.Context, userID uuid.UUID) ([]*Review, error)
	List(ctx context.Context, f Filter) ([]*Review, error)
	// ListApproved returns the public reviews of bookID, or of every book
	// when bookID is zero.
	ListApproved(ctx context.Context, bookID uuid.UUID) ([]*Review, error)
}
