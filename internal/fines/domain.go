package fines

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

type Purpose string

const (
	// PurposeFine pays the fine issued while a loan is overdue.
	PurposeFine Purpose = "FINE"
	// PurposeLateFee pays the fee left on a loan at return.
	PurposeLateFee Purpose = "LATE_FEE"
)

func (p Purpose) Valid() bool {
	return p == PurposeFine || p == PurposeLateFee
}

// Payment is a collection attempt through the gateway. A successful payment
// is never reopened.
type Payment struct {
	ID                uuid.UUID       `json:"id" db:"id"`
	UserID            uuid.UUID       `json:"user_id" db:"user_id"`
	LoanID            uuid.UUID       `json:"loan_id" db:"loan_id"`
	Amount            decimal.Decimal `json:"amount" db:"amount"`
	Currency          string          `json:"currency" db:"currency"`
	Status            Status          `json:"status" db:"status"`
	Purpose           Purpose         `json:"purpose" db:"purpose"`
	ExternalOrderID   string          `json:"external_order_id" db:"external_order_id"`
	ExternalPaymentID string          `json:"external_payment_id,omitempty" db:"external_payment_id"`
	Signature         string          `json:"-" db:"signature"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// Policy accrues Rate for every started Unit past the due date.
type Policy struct {
	Unit time.Duration
	Rate decimal.Decimal
}

// Assess returns ceil((at - due) / Unit) * Rate, or zero when at is not
// past due.
func (p Policy) Assess(due, at time.Time) decimal.Decimal {
	if !at.After(due) || p.Unit <= 0 {
		return decimal.Zero
	}
	late := at.Sub(due)
	units := int64(late / p.Unit)
	if late%p.Unit != 0 {
		units++
	}
	return p.Rate.Mul(decimal.NewFromInt(units))
}

// Confirmation is the gateway's signed checkout callback.
type Confirmation struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type Filter struct {
	UserID   uuid.UUID
	LoanID   uuid.UUID
	Statuses []Status
}

// Journal event types.
const (
	EventFineIssued     = "FineIssued"
	EventOrderCreated   = "OrderCreated"
	EventPaymentSettled = "PaymentSettled"
)

type paymentEvent struct {
	LoanID          uuid.UUID       `json:"loan_id"`
	Amount          decimal.Decimal `json:"amount"`
	Purpose         Purpose         `json:"purpose"`
	Status          Status          `json:"status"`
	ExternalOrderID string          `json:"external_order_id"`
}

func eventOf(p *Payment) paymentEvent {
	return paymentEvent{LoanID: p.LoanID, Amount: p.Amount, Purpose: p.Purpose, Status: p.Status, ExternalOrderID: p.ExternalOrderID}
}

// webhookEvent is the subset of the gateway's webhook payload we read.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		PaymentLink struct {
			Entity struct {
				ID        string `json:"id"`
				PaymentID string `json:"payment_id"`
			} `json:"entity"`
		} `json:"payment_link"`
		Order struct {
			Entity struct {
				ID string `json:"id"`
			} `json:"entity"`
		} `json:"order"`
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}
