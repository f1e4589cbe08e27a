package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/sweeper"
)

var errGatewayDown = errors.New("injected gateway outage")

// Experiments returns the lending invariant experiments bound to lab.
func Experiments(lab *Lab, observe time.Duration) []Experiment {
	return []Experiment{
		ApprovalRace(lab, 3, 40, observe),
		DuplicateApproval(lab, 25, observe),
		GatewayOutage(lab, 6, observe),
		ExpiryStorm(lab, 2, 20, observe),
	}
}

func zero() Threshold { return Threshold{Operator: "==", Value: 0} }

func isZero(v float64) bool { return v == 0 }

func ledgerMetric(lab *Lab) Metric {
	return Metric{Name: "ledger_violations", Query: lab.LedgerViolations, Threshold: zero()}
}

// ApprovalRace approves more borrow requests than there are copies, all at
// once, and expects the inventory ledger to stay consistent.
func ApprovalRace(lab *Lab, copies, borrowers int, observe time.Duration) Experiment {
	return Experiment{
		Name:        "concurrent-approval-race",
		Hypothesis:  "Concurrent approvals never lend more copies than a book has",
		SteadyState: []Metric{ledgerMetric(lab)},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "borrowing",
			Execute: func(ctx context.Context) error {
				book, err := lab.Shelve(ctx, "Approval Race", copies)
				if err != nil {
					return err
				}
				requests := make([]*borrowing.BorrowRequest, 0, borrowers)
				for i := 0; i < borrowers; i++ {
					req, _, err := lab.Lending.RequestBorrow(ctx, uuid.New(), book.ID)
					if err != nil {
						return fmt.Errorf("failed to file borrow request: %w", err)
					}
					requests = append(requests, req)
				}

				var (
					mu      sync.Mutex
					granted int
				)
				var g errgroup.Group
				for _, req := range requests {
					g.Go(func() error {
						if _, err := lab.Lending.ApproveBorrow(ctx, lab.Staff, req.ID); err == nil {
							mu.Lock()
							granted++
							mu.Unlock()
						}
						return nil
					})
				}
				_ = g.Wait()
				if granted > copies {
					return fmt.Errorf("granted %d loans for %d copies", granted, copies)
				}
				return nil
			},
		}},
		Validation: []Assertion{{
			Metric:    "ledger_violations",
			Condition: isZero,
			Message:   "available copies must equal total minus active loans",
		}},
		Duration:    observe,
		BlastRadius: 0.1,
	}
}

// DuplicateApproval approves a single request from many goroutines.
func DuplicateApproval(lab *Lab, approvers int, observe time.Duration) Experiment {
	return Experiment{
		Name:        "duplicate-approval",
		Hypothesis:  "A borrow request opens at most one loan however often it is approved",
		SteadyState: []Metric{ledgerMetric(lab)},
		Method: []Action{{
			Type:   "concurrent-requests",
			Target: "borrowing",
			Execute: func(ctx context.Context) error {
				book, err := lab.Shelve(ctx, "Duplicate Approval", 5)
				if err != nil {
					return err
				}
				req, _, err := lab.Lending.RequestBorrow(ctx, uuid.New(), book.ID)
				if err != nil {
					return err
				}
				var g errgroup.Group
				for i := 0; i < approvers; i++ {
					g.Go(func() error {
						_, _ = lab.Lending.ApproveBorrow(ctx, lab.Staff, req.ID)
						return nil
					})
				}
				_ = g.Wait()

				loans, err := lab.Lending.ListLoans(ctx, borrowing.LoanFilter{BookID: book.ID})
				if err != nil {
					return err
				}
				if len(loans) != 1 {
					return fmt.Errorf("request %s opened %d loans", req.ID, len(loans))
				}
				return nil
			},
		}},
		Validation: []Assertion{{
			Metric:    "ledger_violations",
			Condition: isZero,
			Message:   "duplicate approvals must not take extra copies",
		}},
		Duration:    observe,
		BlastRadius: 0.05,
	}
}

// GatewayOutage runs the overdue sweep while the payment gateway is down,
// then again after it recovers.
func GatewayOutage(lab *Lab, loans int, observe time.Duration) Experiment {
	return Experiment{
		Name:       "gateway-outage-during-overdue-sweep",
		Hypothesis: "Overdue sweeps survive a gateway outage and fine every loan exactly once after recovery",
		SteadyState: []Metric{
			{Name: "duplicate_fines", Query: lab.DuplicateFines, Threshold: zero()},
			{Name: "unfined_overdue", Query: lab.UnfinedOverdue, Threshold: zero()},
		},
		Method: []Action{
			{
				Type:   "kill-dependency",
				Target: "payment-gateway",
				Execute: func(context.Context) error {
					lab.Gateway.FailWith(errGatewayDown)
					return nil
				},
			},
			{
				Type:   "age-loans",
				Target: "borrowing",
				Execute: func(ctx context.Context) error {
					_, err := lab.overdueLoans(ctx, loans, 2)
					return err
				},
			},
			{
				Type:   "sweep",
				Target: sweeper.JobOverdueScan,
				Execute: func(ctx context.Context) error {
					s, err := lab.Sweeper.RunOnce(ctx, sweeper.JobOverdueScan)
					if err == nil && s.Failed == 0 {
						return errors.New("overdue sweep succeeded with the gateway down")
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:   "restore-dependency",
				Target: "payment-gateway",
				Execute: func(context.Context) error {
					lab.Gateway.FailWith(nil)
					return nil
				},
			},
			{
				Type:   "sweep",
				Target: sweeper.JobOverdueScan,
				Execute: func(ctx context.Context) error {
					var g errgroup.Group
					for i := 0; i < 4; i++ {
						g.Go(func() error {
							_, err := lab.Sweeper.RunOnce(ctx, sweeper.JobOverdueScan)
							return err
						})
					}
					return g.Wait()
				},
			},
		},
		Validation: []Assertion{
			{Metric: "duplicate_fines", Condition: isZero, Message: "no loan may hold two open fines"},
			{Metric: "unfined_overdue", Condition: isZero, Message: "every overdue loan must be fined after recovery"},
		},
		Duration:    observe,
		BlastRadius: 0.5,
	}
}

// ExpiryStorm lets every priority window lapse at once and races expiry
// passes against each other.
func ExpiryStorm(lab *Lab, copies, waiting int, observe time.Duration) Experiment {
	return Experiment{
		Name:        "reservation-expiry-storm",
		Hypothesis:  "Racing expiry passes never open more priority windows than free copies",
		SteadyState: []Metric{{Name: "queue_overflow", Query: lab.QueueOverflow, Threshold: zero()}},
		Method: []Action{{
			Type:   "concurrent-sweeps",
			Target: sweeper.JobReservationExpiry,
			Execute: func(ctx context.Context) error {
				book, err := lab.Shelve(ctx, "Expiry Storm", copies)
				if err != nil {
					return err
				}
				for i := 0; i < waiting; i++ {
					if _, err := lab.Queue.Reserve(ctx, uuid.New(), book.ID); err != nil {
						return fmt.Errorf("failed to queue reservation: %w", err)
					}
				}
				for round := 0; round < waiting/copies; round++ {
					lab.Clock.Advance(lab.opts.NotifyWindow + time.Second)
					var g errgroup.Group
					for i := 0; i < 8; i++ {
						g.Go(func() error {
							_, err := lab.Sweeper.RunOnce(ctx, sweeper.JobReservationExpiry)
							return err
						})
					}
					if err := g.Wait(); err != nil {
						return err
					}
				}
				return nil
			},
		}},
		Validation: []Assertion{{
			Metric:    "queue_overflow",
			Condition: isZero,
			Message:   "priority windows must not outnumber free copies",
		}},
		Duration:    observe,
		BlastRadius: 0.2,
	}
}
