package fines

import (
	"context"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/auth"
)

// Service defines the interface for fine and payment reconciliation.
type Service interface {
	// IssueFine records the fine of an overdue loan and ensures it has
	// exactly one FINE payment. created is false when the payment existed
	// or the fine is already settled (payment is then nil).
	IssueFine(ctx context.Context, loanID uuid.UUID) (payment *Payment, created bool, err error)
	// CreateOrder opens (or reuses) a pending payment for the loan.
	CreateOrder(ctx context.Context, actor auth.Identity, loanID uuid.UUID, purpose Purpose) (*Payment, error)
	// VerifyPayment settles the payment of a signed checkout confirmation.
	VerifyPayment(ctx context.Context, c Confirmation) (*Payment, error)
	// HandleWebhook settles the payment named by a signed webhook body.
	HandleWebhook(ctx context.Context, body []byte, signature string) error

	ListMine(ctx context.Context, userID uuid.UUID) ([]*Payment, error)
	List(ctx context.Context, f Filter) ([]*Payment, error)
}
