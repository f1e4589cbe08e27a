package borrowing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type RequestType string

const (
	TypeBorrow RequestType = "borrow"
	TypeReturn RequestType = "return"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCompleted RequestStatus = "completed"
)

type LoanStatus string

const (
	LoanBorrowed      LoanStatus = "borrowed"
	LoanPendingReturn LoanStatus = "pending-return"
	LoanReturned      LoanStatus = "returned"
)

// ActiveLoanStatuses hold a copy and a borrower slot.
var ActiveLoanStatuses = []LoanStatus{LoanBorrowed, LoanPendingReturn}

// BorrowRequest asks staff to open (borrow) or close (return) a loan.
// Approved borrow requests and all return requests carry BorrowRef.
type BorrowRequest struct {
	ID         uuid.UUID     `json:"id" db:"id"`
	UserID     uuid.UUID     `json:"user_id" db:"user_id"`
	BookID     uuid.UUID     `json:"book_id" db:"book_id"`
	Type       RequestType   `json:"type" db:"type"`
	Status     RequestStatus `json:"status" db:"status"`
	BorrowRef  *uuid.UUID    `json:"borrow_ref,omitempty" db:"borrow_ref"`
	ApprovedBy *uuid.UUID    `json:"approved_by,omitempty" db:"approved_by"`
	ApprovedAt *time.Time    `json:"approved_at,omitempty" db:"approved_at"`
	RejectedBy *uuid.UUID    `json:"rejected_by,omitempty" db:"rejected_by"`
	RejectedAt *time.Time    `json:"rejected_at,omitempty" db:"rejected_at"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// Loan is one user's borrow of one copy.
type Loan struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	UserID     uuid.UUID       `json:"user_id" db:"user_id"`
	BookID     uuid.UUID       `json:"book_id" db:"book_id"`
	BorrowDate time.Time       `json:"borrow_date" db:"borrow_date"`
	DueDate    time.Time       `json:"due_date" db:"due_date"`
	ReturnDate *time.Time      `json:"return_date,omitempty" db:"return_date"`
	LateFee    decimal.Decimal `json:"late_fee" db:"late_fee"`
	Status     LoanStatus      `json:"status" db:"status"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Overdue reports whether the loan is still out past its due date.
func (l *Loan) Overdue(now time.Time) bool {
	return l.Status == LoanBorrowed && now.After(l.DueDate)
}

type LoanFilter struct {
	UserID    uuid.UUID
	BookID    uuid.UUID
	Statuses  []LoanStatus
	DueBefore time.Time
}

type RequestFilter struct {
	UserID   uuid.UUID
	Type     RequestType
	Statuses []RequestStatus
}

// Options are the lending rules.
type Options struct {
	LoanPeriod       time.Duration
	MaxActiveBorrows int
}

// Journal event types.
const (
	EventBorrowRequested = "BorrowRequested"
	EventReturnRequested = "ReturnRequested"
	EventRequestRejected = "RequestRejected"
	EventLoanOpened      = "LoanOpened"
	EventReturnStarted   = "ReturnStarted"
	EventLoanClosed      = "LoanClosed"
	EventLateFeeChanged  = "LateFeeChanged"
)

type loanEvent struct {
	UserID    uuid.UUID       `json:"user_id"`
	BookID    uuid.UUID       `json:"book_id"`
	Status    LoanStatus      `json:"status"`
	DueDate   time.Time       `json:"due_date"`
	LateFee   decimal.Decimal `json:"late_fee"`
	RequestID uuid.UUID       `json:"request_id,omitempty"`
	ActorID   uuid.UUID       `json:"actor_id,omitempty"`
}

type requestEvent struct {
	UserID  uuid.UUID     `json:"user_id"`
	BookID  uuid.UUID     `json:"book_id"`
	Type    RequestType   `json:"type"`
	Status  RequestStatus `json:"status"`
	ActorID uuid.UUID     `json:"actor_id,omitempty"`
}
