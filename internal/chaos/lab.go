package chaos

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/gateway"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
	"github.com/jules-labs/libralend/internal/sweeper"
)

// Stores are the repositories a Lab runs against.
type Stores struct {
	Books         inventory.Repository
	Reservations  reservation.Repository
	Loans         borrowing.Repository
	Payments      fines.Repository
	Notifications notify.Repository
	Journal       journal.Store
}

func MemoryStores() Stores {
	return Stores{
		Books:         inventory.NewMemoryRepository(),
		Reservations:  reservation.NewMemoryRepository(),
		Loans:         borrowing.NewMemoryRepository(),
		Payments:      fines.NewMemoryRepository(),
		Notifications: notify.NewMemoryRepository(),
		Journal:       journal.NewMemoryStore(),
	}
}

func PostgresStores(db *sqlx.DB) Stores {
	return Stores{
		Books:         inventory.NewPostgresRepository(db),
		Reservations:  reservation.NewPostgresRepository(db),
		Loans:         borrowing.NewPostgresRepository(db),
		Payments:      fines.NewPostgresRepository(db),
		Notifications: notify.NewPostgresRepository(db),
		Journal:       journal.NewPostgresStore(db),
	}
}

// LabOptions tune the lending rules of a Lab.
type LabOptions struct {
	LoanPeriod       time.Duration
	MaxActiveBorrows int
	NotifyWindow     time.Duration
	Fines            fines.Policy
	Currency         string
}

func DefaultLabOptions() LabOptions {
	return LabOptions{
		LoanPeriod:       14 * 24 * time.Hour,
		MaxActiveBorrows: 5,
		NotifyWindow:     3 * time.Minute,
		Fines:            fines.Policy{Unit: 24 * time.Hour, Rate: decimal.NewFromInt(10)},
		Currency:         "INR",
	}
}

// Lab is a complete lending stack on a fake clock and a sandbox payment
// gateway, so experiments can move time and break payments at will.
type Lab struct {
	Clock   *clock.Fake
	Gateway *gateway.Sandbox
	Books   inventory.Service
	Queue   reservation.Service
	Lending borrowing.Service
	Fines   fines.Service
	Sweeper *sweeper.Scheduler
	Staff   auth.Identity

	opts     LabOptions
	payments fines.Repository
}

func NewLab(stores Stores, opts LabOptions, logger zerolog.Logger) *Lab {
	clk := clock.NewFake(time.Now().UTC().Truncate(time.Second))
	j := journal.New(stores.Journal, logger)
	notes := notify.NewService(stores.Notifications, clk, logger)

	books := inventory.NewService(stores.Books, j, clk, logger)
	queue := reservation.NewService(stores.Reservations, books, notes, j, clk, opts.NotifyWindow, logger)
	books.OnRestock(func(ctx context.Context, bookID uuid.UUID) {
		if _, err := queue.PromoteWaiting(ctx, bookID); err != nil {
			logger.Error().Err(err).Str("book_id", bookID.String()).Msg("failed to promote after restock")
		}
	})

	lending := borrowing.NewService(stores.Loans, books, queue, fines.NewLedger(stores.Payments), opts.Fines,
		notes, j, clk, borrowing.Options{LoanPeriod: opts.LoanPeriod, MaxActiveBorrows: opts.MaxActiveBorrows}, logger)

	sandbox := gateway.NewSandbox()
	signer := gateway.NewSigner("lab-key-secret", "lab-webhook-secret")
	fineSvc := fines.NewService(stores.Payments, lending, sandbox, signer, opts.Fines, opts.Currency, notes, j, clk, logger)

	sched := sweeper.New(logger)
	sched.Register(sweeper.ReservationExpiry(queue, clk, time.Minute))
	sched.Register(sweeper.OverdueScan(lending, fineSvc, notes, clk, time.Hour, logger))

	return &Lab{
		Clock:    clk,
		Gateway:  sandbox,
		Books:    books,
		Queue:    queue,
		Lending:  lending,
		Fines:    fineSvc,
		Sweeper:  sched,
		Staff:    auth.Identity{UserID: uuid.New(), Role: auth.RoleLibrarian},
		opts:     opts,
		payments: stores.Payments,
	}
}

// Shelve adds a fresh title with copies copies.
func (l *Lab) Shelve(ctx context.Context, title string, copies int) (*inventory.Book, error) {
	return l.Books.AddBook(ctx, inventory.NewBook{
		ISBN:        "LAB-" + uuid.NewString()[:13],
		Title:       title,
		Author:      "Chaos Lab",
		TotalCopies: copies,
	})
}

// LedgerViolations counts books whose available copies fall outside
// [0, total] or differ from total minus active loans.
func (l *Lab) LedgerViolations(ctx context.Context) (float64, error) {
	books, err := l.Books.ListBooks(ctx)
	if err != nil {
		return 0, err
	}
	violations := 0
	for _, b := range books {
		loans, err := l.Lending.ListLoans(ctx, borrowing.LoanFilter{BookID: b.ID, Statuses: borrowing.ActiveLoanStatuses})
		if err != nil {
			return 0, err
		}
		if b.AvailableCopies < 0 || b.AvailableCopies > b.TotalCopies || b.AvailableCopies != b.TotalCopies-len(loans) {
			violations++
		}
	}
	return float64(violations), nil
}

// DuplicateFines counts loans holding more than one open FINE payment.
func (l *Lab) DuplicateFines(ctx context.Context) (float64, error) {
	open, err := l.payments.List(ctx, fines.Filter{Statuses: []fines.Status{fines.StatusPending, fines.StatusSuccess}})
	if err != nil {
		return 0, err
	}
	perLoan := make(map[uuid.UUID]int)
	for _, p := range open {
		if p.Purpose == fines.PurposeFine {
			perLoan[p.LoanID]++
		}
	}
	dupes := 0
	for _, n := range perLoan {
		if n > 1 {
			dupes++
		}
	}
	return float64(dupes), nil
}

// UnfinedOverdue counts overdue loans without an open FINE payment.
func (l *Lab) UnfinedOverdue(ctx context.Context) (float64, error) {
	overdue, err := l.Lending.ListOverdue(ctx, l.Clock.Now())
	if err != nil {
		return 0, err
	}
	missing := 0
	for _, loan := range overdue {
		p, err := l.payments.FindOpen(ctx, loan.ID, fines.PurposeFine)
		if err != nil {
			return 0, err
		}
		if p == nil {
			missing++
		}
	}
	return float64(missing), nil
}

// QueueOverflow counts books with more reservations inside a priority
// window than copies on the shelf.
func (l *Lab) QueueOverflow(ctx context.Context) (float64, error) {
	books, err := l.Books.ListBooks(ctx)
	if err != nil {
		return 0, err
	}
	overflow := 0
	for _, b := range books {
		active, err := l.Queue.List(ctx, reservation.Filter{BookID: b.ID, Statuses: reservation.ActiveStatuses})
		if err != nil {
			return 0, err
		}
		if len(active) > b.AvailableCopies {
			overflow++
		}
	}
	return float64(overflow), nil
}

// overdueLoans checks out n copies of a new title and moves the clock past
// their due date.
func (l *Lab) overdueLoans(ctx context.Context, n int, daysLate int) ([]*borrowing.Loan, error) {
	book, err := l.Shelve(ctx, "Overdue Lab", n)
	if err != nil {
		return nil, err
	}
	loans := make([]*borrowing.Loan, 0, n)
	for i := 0; i < n; i++ {
		loan, err := l.Lending.Checkout(ctx, l.Staff, uuid.New(), book.ID, uuid.Nil)
		if err != nil {
			return nil, fmt.Errorf("failed to check out lab copy: %w", err)
		}
		loans = append(loans, loan)
	}
	l.Clock.Advance(l.opts.LoanPeriod + time.Duration(daysLate)*24*time.Hour)
	return loans, nil
}
