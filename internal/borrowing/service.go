package borrowing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/auth"
)

// Service defines the interface for the borrow lifecycle.
type Service interface {
	// RequestBorrow files a pending borrow request. An existing pending
	// request for the same user and book is returned with created=false.
	RequestBorrow(ctx context.Context, userID, bookID uuid.UUID) (req *BorrowRequest, created bool, err error)
	// ApproveBorrow opens a loan for a pending borrow request.
	ApproveBorrow(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*Loan, error)
	// RequestReturn moves a borrowed loan to pending-return and files a
	// return request. Overdue loans need a settled fine first.
	RequestReturn(ctx context.Context, actor auth.Identity, loanID uuid.UUID) (req *BorrowRequest, created bool, err error)
	// ApproveReturn closes the loan, finalizes its late fee and puts the
	// copy back on the shelf.
	ApproveReturn(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*Loan, error)
	Reject(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*BorrowRequest, error)
	// Checkout lends bookID to userID at the desk, optionally settling an
	// existing borrow request.
	Checkout(ctx context.Context, actor auth.Identity, userID, bookID, requestID uuid.UUID) (*Loan, error)

	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]*BorrowRequest, error)
	// ListOverdue returns borrowed loans due before now, earliest due first.
	ListOverdue(ctx context.Context, now time.Time) ([]*Loan, error)

	// ApplyLateFee records fee on the loan unless one is already recorded.
	ApplyLateFee(ctx context.Context, loanID uuid.UUID, fee decimal.Decimal) (*Loan, bool, error)
	ClearLateFee(ctx context.Context, loanID uuid.UUID) error
}

// FineLedger answers whether a loan's fine has been paid.
type FineLedger interface {
	HasSettledFine(ctx context.Context, loanID uuid.UUID) (bool, error)
	SettledAmount(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error)
}

// FeePolicy prices lateness.
type FeePolicy interface {
	Assess(due, at time.Time) decimal.Decimal
}
