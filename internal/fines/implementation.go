package fines

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/gateway"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Loans is the part of the borrow lifecycle fines act on.
type Loans interface {
	GetLoan(ctx context.Context, id uuid.UUID) (*borrowing.Loan, error)
	ApplyLateFee(ctx context.Context, loanID uuid.UUID, fee decimal.Decimal) (*borrowing.Loan, bool, error)
	ClearLateFee(ctx context.Context, loanID uuid.UUID) error
}

// Ledger answers settlement questions about a loan's fine straight from
// the payment store. It satisfies borrowing.FineLedger.
type Ledger struct {
	repo Repository
}

func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) HasSettledFine(ctx context.Context, loanID uuid.UUID) (bool, error) {
	return l.repo.HasSuccess(ctx, loanID, PurposeFine)
}

func (l *Ledger) SettledAmount(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	return l.repo.SumSuccess(ctx, loanID, PurposeFine)
}

// service implements the Service interface.
type service struct {
	repo     Repository
	loans    Loans
	gateway  gateway.Gateway
	signer   *gateway.Signer
	policy   Policy
	currency string
	notify   notify.Sender
	journal  journal.Recorder
	clock    clock.Clock
	logger   zerolog.Logger
}

// NewService creates a new fine and payment service instance.
func NewService(repo Repository, loans Loans, gw gateway.Gateway, signer *gateway.Signer, policy Policy,
	currency string, sender notify.Sender, j journal.Recorder, clk clock.Clock, logger zerolog.Logger) Service {
	return &service{
		repo:     repo,
		loans:    loans,
		gateway:  gw,
		signer:   signer,
		policy:   policy,
		currency: currency,
		notify:   sender,
		journal:  j,
		clock:    clk,
		logger:   logger.With().Str("component", "fines").Logger(),
	}
}

func (s *service) IssueFine(ctx context.Context, loanID uuid.UUID) (*Payment, bool, error) {
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return nil, false, err
	}
	now := s.clock.Now()
	if loan.Status != borrowing.LoanBorrowed || !loan.Overdue(now) {
		return nil, false, apperr.New(apperr.KindInvalidState, "loan %s is not overdue", loanID)
	}

	settled, err := s.repo.HasSuccess(ctx, loanID, PurposeFine)
	if err != nil {
		return nil, false, err
	}
	if settled {
		return nil, false, nil
	}

	loan, changed, err := s.loans.ApplyLateFee(ctx, loanID, s.policy.Assess(loan.DueDate, now))
	if err != nil {
		return nil, false, fmt.Errorf("failed to record late fee: %w", err)
	}
	if changed {
		s.logger.Info().Str("loan_id", loanID.String()).Str("fee", loan.LateFee.String()).Msg("fine issued")
	}

	existing, err := s.repo.FindOpen(ctx, loanID, PurposeFine)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	p, err := s.openPayment(ctx, loan, PurposeFine, loan.LateFee)
	if errors.Is(err, apperr.ErrConflict) {
		// another sweep got there first
		existing, findErr := s.repo.FindOpen(ctx, loanID, PurposeFine)
		if findErr == nil && existing != nil {
			return existing, false, nil
		}
	}
	if err != nil {
		return nil, false, err
	}
	s.record(ctx, p, EventFineIssued)
	return p, true, nil
}

func (s *service) CreateOrder(ctx context.Context, actor auth.Identity, loanID uuid.UUID, purpose Purpose) (*Payment, error) {
	if !purpose.Valid() {
		return nil, apperr.New(apperr.KindInvalid, "unknown payment purpose %q", purpose)
	}
	loan, err := s.loans.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if loan.UserID != actor.UserID && !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.KindForbidden, "loan belongs to another member")
	}

	existing, err := s.repo.FindOpen(ctx, loanID, purpose)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Status == StatusSuccess && purpose == PurposeFine {
			return nil, apperr.New(apperr.KindConflict, "fine for loan %s is already paid", loanID)
		}
		if existing.Status == StatusPending {
			return existing, nil
		}
	}

	amount := loan.LateFee
	switch purpose {
	case PurposeFine:
		if loan.Status != borrowing.LoanBorrowed || !loan.Overdue(s.clock.Now()) {
			return nil, apperr.New(apperr.KindInvalidState, "loan %s has no outstanding fine", loanID)
		}
		if amount.IsZero() {
			loan, _, err = s.loans.ApplyLateFee(ctx, loanID, s.policy.Assess(loan.DueDate, s.clock.Now()))
			if err != nil {
				return nil, fmt.Errorf("failed to record late fee: %w", err)
			}
			amount = loan.LateFee
		}
	case PurposeLateFee:
		if !amount.IsPositive() {
			return nil, apperr.New(apperr.KindInvalidState, "loan %s has no late fee due", loanID)
		}
	}

	p, err := s.openPayment(ctx, loan, purpose, amount)
	if err != nil {
		return nil, err
	}
	s.record(ctx, p, EventOrderCreated)
	return p, nil
}

func (s *service) openPayment(ctx context.Context, loan *borrowing.Loan, purpose Purpose, amount decimal.Decimal) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, apperr.New(apperr.KindInvalidState, "nothing to collect for loan %s", loan.ID)
	}
	order, err := s.gateway.CreateOrder(ctx, gateway.OrderRequest{
		Amount:   amount,
		Currency: s.currency,
		Receipt:  receipt(purpose, loan.ID),
		Notes:    map[string]string{"loan_id": loan.ID.String(), "purpose": string(purpose)},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, err, "failed to create payment order")
	}

	now := s.clock.Now()
	p := &Payment{
		ID:              uuid.New(),
		UserID:          loan.UserID,
		LoanID:          loan.ID,
		Amount:          amount,
		Currency:        s.currency,
		Status:          StatusPending,
		Purpose:         purpose,
		ExternalOrderID: order.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.repo.Insert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// receipt stays within the gateway's 40 character limit.
func receipt(purpose Purpose, loanID uuid.UUID) string {
	return strings.ToLower(string(purpose)) + "_" + strings.ReplaceAll(loanID.String(), "-", "")[:24]
}

func (s *service) VerifyPayment(ctx context.Context, c Confirmation) (*Payment, error) {
	if c.OrderID == "" || c.PaymentID == "" || c.Signature == "" {
		return nil, apperr.New(apperr.KindInvalid, "order id, payment id and signature are required")
	}
	if err := s.signer.VerifyPayment(c.OrderID, c.PaymentID, c.Signature); err != nil {
		s.logger.Warn().Str("order_id", c.OrderID).Msg("rejected payment confirmation with bad signature")
		return nil, err
	}
	p, err := s.repo.FindByOrderID(ctx, c.OrderID)
	if err != nil {
		return nil, err
	}
	return s.settle(ctx, p, c.PaymentID, c.Signature)
}

func (s *service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if err := s.signer.VerifyWebhook(body, signature); err != nil {
		s.logger.Warn().Msg("rejected webhook with bad signature")
		return err
	}
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return apperr.Wrap(apperr.KindInvalid, err, "malformed webhook body")
	}

	var orderID, paymentID string
	switch ev.Event {
	case "payment_link.paid":
		orderID = ev.Payload.PaymentLink.Entity.ID
		paymentID = ev.Payload.PaymentLink.Entity.PaymentID
	case "order.paid":
		orderID = ev.Payload.Order.Entity.ID
		if orderID == "" {
			orderID = ev.Payload.Payment.Entity.OrderID
		}
		paymentID = ev.Payload.Payment.Entity.ID
	default:
		s.logger.Debug().Str("event", ev.Event).Msg("ignoring webhook event")
		return nil
	}

	p, err := s.repo.FindByOrderID(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn().Str("order_id", orderID).Str("event", ev.Event).Msg("webhook for unknown order")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = s.settle(ctx, p, paymentID, signature)
	return err
}

// settle marks p successful and clears the loan's outstanding fee. Settling
// an already successful payment is a no-op.
func (s *service) settle(ctx context.Context, p *Payment, paymentID, signature string) (*Payment, error) {
	settled, changed, err := s.repo.MarkSuccess(ctx, p.ID, paymentID, signature, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return settled, nil
	}
	if err := s.loans.ClearLateFee(ctx, settled.LoanID); err != nil {
		s.logger.Error().Err(err).Str("loan_id", settled.LoanID.String()).Msg("failed to clear late fee after payment")
	}

	if _, err := s.notify.SendOnce(ctx, notify.Message{
		UserID:      settled.UserID,
		Kind:        notify.KindPaymentSuccess,
		ReferenceID: settled.ID,
		Title:       "Payment received",
		Body:        fmt.Sprintf("We received your payment of %s %s.", settled.Amount.StringFixed(2), settled.Currency),
	}); err != nil {
		s.logger.Warn().Err(err).Str("payment_id", settled.ID.String()).Msg("failed to notify payment")
	}
	s.record(ctx, settled, EventPaymentSettled)
	s.logger.Info().Str("payment_id", settled.ID.String()).Str("order_id", settled.ExternalOrderID).Msg("payment settled")
	return settled, nil
}

func (s *service) ListMine(ctx context.Context, userID uuid.UUID) ([]*Payment, error) {
	return s.repo.List(ctx, Filter{UserID: userID})
}

func (s *service) List(ctx context.Context, f Filter) ([]*Payment, error) {
	return s.repo.List(ctx, f)
}

func (s *service) record(ctx context.Context, p *Payment, eventType string) {
	if err := s.journal.Record(ctx, p.ID, "payment", eventType, eventOf(p)); err != nil {
		s.logger.Warn().Err(err).Str("payment_id", p.ID.String()).Str("event", eventType).Msg("failed to journal payment event")
	}
}
