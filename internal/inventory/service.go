package inventory

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service defines the interface for the inventory ledger.
type Service interface {
	AddBook(ctx context.Context, in NewBook) (*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	SearchBooks(ctx context.Context, query string) ([]*Book, error)

	// DecrementAvailable takes one copy. It fails with Unavailable when no
	// copy is left and NotFound for unknown books.
	DecrementAvailable(ctx context.Context, id uuid.UUID) (*Book, error)
	// IncrementAvailable puts one copy back, clamped at TotalCopies.
	IncrementAvailable(ctx context.Context, id uuid.UUID) (*Book, error)
	// UpdateTotalCopies changes the pool size, shifting AvailableCopies by
	// the same delta.
	UpdateTotalCopies(ctx context.Context, id uuid.UUID, total int) (*Book, error)

	// SetRating stores the approved-review aggregate shown on the book.
	SetRating(ctx context.Context, id uuid.UUID, average decimal.Decimal, count int) (*Book, error)

	// OnRestock registers a listener fired whenever available copies rise.
	OnRestock(fn RestockListener)
}
