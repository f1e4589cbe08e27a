package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
)

const (
	JobReservationExpiry = "reservation-expiry"
	JobOverdueScan       = "overdue-scan"
)

// ExpiryQueue is the part of the reservation queue the expiry job drives.
type ExpiryQueue interface {
	ExpireDue(ctx context.Context, now time.Time) (reservation.ExpirySummary, error)
}

// ReservationExpiry closes lapsed priority windows and promotes the next
// waiting reservations.
func ReservationExpiry(queue ExpiryQueue, clk clock.Clock, interval time.Duration) Job {
	return Job{
		Name:     JobReservationExpiry,
		Interval: interval,
		Run: func(ctx context.Context) (Summary, error) {
			s, err := queue.ExpireDue(ctx, clk.Now())
			return Summary{Processed: s.Expired, Failed: s.Failed}, err
		},
	}
}

// OverdueLoans lists borrowed loans past due, earliest due first.
type OverdueLoans interface {
	ListOverdue(ctx context.Context, now time.Time) ([]*borrowing.Loan, error)
}

// FineIssuer records the fine of an overdue loan.
type FineIssuer interface {
	IssueFine(ctx context.Context, loanID uuid.UUID) (*fines.Payment, bool, error)
}

// OverdueScan issues a fine for every overdue loan without a settled one
// and tells the borrower once per loan. A failing loan is logged and
// skipped.
func OverdueScan(loans OverdueLoans, issuer FineIssuer, sender notify.Sender, clk clock.Clock,
	interval time.Duration, logger zerolog.Logger) Job {
	logger = logger.With().Str("job", JobOverdueScan).Logger()
	return Job{
		Name:     JobOverdueScan,
		Interval: interval,
		Run: func(ctx context.Context) (Summary, error) {
			overdue, err := loans.ListOverdue(ctx, clk.Now())
			if err != nil {
				return Summary{}, fmt.Errorf("failed to list overdue loans: %w", err)
			}
			var summary Summary
			for _, loan := range overdue {
				if ctx.Err() != nil {
					return summary, ctx.Err()
				}
				if err := fineLoan(ctx, loan, issuer, sender); err != nil {
					summary.Failed++
					logger.Error().Err(err).Str("loan_id", loan.ID.String()).Msg("failed to process overdue loan")
					continue
				}
				summary.Processed++
			}
			return summary, nil
		},
	}
}

func fineLoan(ctx context.Context, loan *borrowing.Loan, issuer FineIssuer, sender notify.Sender) error {
	payment, _, err := issuer.IssueFine(ctx, loan.ID)
	if err != nil {
		return err
	}
	if payment == nil {
		// already settled
		return nil
	}
	_, err = sender.SendOnce(ctx, notify.Message{
		UserID:      loan.UserID,
		Kind:        notify.KindFine,
		ReferenceID: loan.ID,
		Title:       "Overdue book",
		Body: fmt.Sprintf("Your loan was due on %s. A fine of %s %s is waiting for payment.",
			loan.DueDate.Format("2006-01-02"), payment.Amount.StringFixed(2), payment.Currency),
	})
	if err != nil {
		return fmt.Errorf("failed to notify fine: %w", err)
	}
	return nil
}

// VisitorCleanup evicts idle per-client rate limiters.
func VisitorCleanup(limiter interface{ Cleanup(idle time.Duration) int }, idle, interval time.Duration) Job {
	return Job{
		Name:     "visitor-cleanup",
		Interval: interval,
		Run: func(context.Context) (Summary, error) {
			return Summary{Processed: limiter.Cleanup(idle)}, nil
		},
	}
}
