package borrowing_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/database"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
)

const loanPeriod = 14 * 24 * time.Hour

var librarian = auth.Identity{UserID: uuid.New(), Role: auth.RoleLibrarian}

type fixture struct {
	clk      *clock.Fake
	books    inventory.Service
	queue    reservation.Service
	lending  borrowing.Service
	payments fines.Repository
	notes    notify.Service
}

type repos struct {
	loans    borrowing.Repository
	books    inventory.Repository
	queue    reservation.Repository
	payments fines.Repository
}

func memoryRepos() repos {
	return repos{
		loans:    borrowing.NewMemoryRepository(),
		books:    inventory.NewMemoryRepository(),
		queue:    reservation.NewMemoryRepository(),
		payments: fines.NewMemoryRepository(),
	}
}

func newFixture(t *testing.T, r repos) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	notes := notify.NewService(notify.NewMemoryRepository(), clk, zerolog.Nop())
	books := inventory.NewService(r.books, journal.Discard{}, clk, zerolog.Nop())
	queue := reservation.NewService(r.queue, books, notes, journal.Discard{}, clk, 3*time.Minute, zerolog.Nop())
	books.OnRestock(func(ctx context.Context, id uuid.UUID) {
		_, err := queue.PromoteWaiting(ctx, id)
		assert.NoError(t, err)
	})
	policy := fines.Policy{Unit: 24 * time.Hour, Rate: decimal.NewFromInt(10)}
	lending := borrowing.NewService(r.loans, books, queue, fines.NewLedger(r.payments), policy, notes,
		journal.Discard{}, clk, borrowing.Options{LoanPeriod: loanPeriod, MaxActiveBorrows: 2}, zerolog.Nop())
	return &fixture{clk: clk, books: books, queue: queue, lending: lending, payments: r.payments, notes: notes}
}

func (f *fixture) addBook(t *testing.T, copies int) *inventory.Book {
	t.Helper()
	book, err := f.books.AddBook(context.Background(), inventory.NewBook{ISBN: uuid.NewString(), Title: "Dune", TotalCopies: copies})
	require.NoError(t, err)
	return book
}

func (f *fixture) available(t *testing.T, id uuid.UUID) int {
	t.Helper()
	book, err := f.books.GetBook(context.Background(), id)
	require.NoError(t, err)
	return book.AvailableCopies
}

func (f *fixture) settleFine(t *testing.T, loan *borrowing.Loan, amount int64) {
	t.Helper()
	now := f.clk.Now()
	require.NoError(t, f.payments.Insert(context.Background(), &fines.Payment{
		ID: uuid.New(), UserID: loan.UserID, LoanID: loan.ID, Amount: decimal.NewFromInt(amount), Currency: "INR",
		Status: fines.StatusSuccess, Purpose: fines.PurposeFine, ExternalOrderID: "order_" + uuid.NewString(),
		CreatedAt: now, UpdatedAt: now,
	}))
}

func TestBorrowRoundTripRestoresCopies(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 2)
	alice := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}

	req, created, err := f.lending.RequestBorrow(ctx, alice.UserID, book.ID)
	require.NoError(t, err)
	assert.True(t, created)
	again, created, err := f.lending.RequestBorrow(ctx, alice.UserID, book.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, req.ID, again.ID)

	_, err = f.lending.ApproveBorrow(ctx, alice, req.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	loan, err := f.lending.ApproveBorrow(ctx, librarian, req.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.LoanBorrowed, loan.Status)
	assert.Equal(t, f.clk.Now().Add(loanPeriod), loan.DueDate)
	assert.Equal(t, 1, f.available(t, book.ID))

	_, err = f.lending.ApproveBorrow(ctx, librarian, req.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	ret, created, err := f.lending.RequestReturn(ctx, alice, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = f.lending.RequestReturn(ctx, alice, loan.ID)
	require.NoError(t, err)
	assert.False(t, created)

	closed, err := f.lending.ApproveReturn(ctx, librarian, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.LoanReturned, closed.Status)
	require.NotNil(t, closed.ReturnDate)
	assert.True(t, closed.LateFee.IsZero())
	assert.Equal(t, 2, f.available(t, book.ID))

	history, err := f.lending.ListLoans(ctx, borrowing.LoanFilter{UserID: alice.UserID})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, borrowing.LoanReturned, history[0].Status)
}

func TestRequestBorrowUnavailableBook(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	_, err := f.lending.Checkout(ctx, librarian, uuid.New(), book.ID, uuid.Nil)
	require.NoError(t, err)

	_, _, err = f.lending.RequestBorrow(ctx, uuid.New(), book.ID)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	_, _, err = f.lending.RequestBorrow(ctx, uuid.New(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMaxActiveBorrowsEnforced(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	member := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}
	first, second, third := f.addBook(t, 1), f.addBook(t, 1), f.addBook(t, 1)

	loan, err := f.lending.Checkout(ctx, librarian, member.UserID, first.ID, uuid.Nil)
	require.NoError(t, err)
	_, err = f.lending.Checkout(ctx, librarian, member.UserID, second.ID, uuid.Nil)
	require.NoError(t, err)

	_, err = f.lending.Checkout(ctx, librarian, member.UserID, third.ID, uuid.Nil)
	assert.ErrorIs(t, err, apperr.ErrMaxBorrowsExceeded)
	assert.Equal(t, 1, f.available(t, third.ID))

	// a loan waiting for its return still counts
	ret, _, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	_, err = f.lending.Checkout(ctx, librarian, member.UserID, third.ID, uuid.Nil)
	assert.ErrorIs(t, err, apperr.ErrMaxBorrowsExceeded)

	_, err = f.lending.ApproveReturn(ctx, librarian, ret.ID)
	require.NoError(t, err)
	_, err = f.lending.Checkout(ctx, librarian, member.UserID, third.ID, uuid.Nil)
	assert.NoError(t, err)
}

func TestDuplicateActiveLoanRejected(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 3)
	member := uuid.New()

	_, err := f.lending.Checkout(ctx, librarian, member, book.ID, uuid.Nil)
	require.NoError(t, err)
	_, err = f.lending.Checkout(ctx, librarian, member, book.ID, uuid.Nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	assert.Equal(t, 2, f.available(t, book.ID))
}

func TestOverdueReturnNeedsSettledFine(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	member := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}
	loan, err := f.lending.Checkout(ctx, librarian, member.UserID, book.ID, uuid.Nil)
	require.NoError(t, err)

	f.clk.Advance(loanPeriod + 36*time.Hour)
	overdue, err := f.lending.ListOverdue(ctx, f.clk.Now())
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, loan.ID, overdue[0].ID)

	_, _, err = f.lending.RequestReturn(ctx, member, loan.ID)
	require.ErrorIs(t, err, apperr.ErrPaymentRequired)

	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}
	_, _, err = f.lending.RequestReturn(ctx, stranger, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	f.settleFine(t, loan, 20)
	ret, created, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)

	closed, err := f.lending.ApproveReturn(ctx, librarian, ret.ID)
	require.NoError(t, err)
	assert.True(t, closed.LateFee.IsZero(), "fee already covered, got %s", closed.LateFee)
}

func TestApplyLateFeeOnlyWhileZero(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	loan, err := f.lending.Checkout(ctx, librarian, uuid.New(), f.addBook(t, 1).ID, uuid.Nil)
	require.NoError(t, err)

	updated, changed, err := f.lending.ApplyLateFee(ctx, loan.ID, decimal.NewFromInt(30))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, updated.LateFee.Equal(decimal.NewFromInt(30)))

	updated, changed, err = f.lending.ApplyLateFee(ctx, loan.ID, decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, updated.LateFee.Equal(decimal.NewFromInt(30)))

	_, _, err = f.lending.ApplyLateFee(ctx, loan.ID, decimal.NewFromInt(-1))
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	require.NoError(t, f.lending.ClearLateFee(ctx, loan.ID))
	cleared, err := f.lending.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, cleared.LateFee.IsZero())
}

// flakyRepository fails InsertLoan while fail is set.
type flakyRepository struct {
	borrowing.Repository
	fail atomic.Bool
}

func (r *flakyRepository) InsertLoan(ctx context.Context, l *borrowing.Loan) error {
	if r.fail.Load() {
		return errors.New("disk full")
	}
	return r.Repository.InsertLoan(ctx, l)
}

func TestApprovalCompensatesFailedLoanInsert(t *testing.T) {
	r := memoryRepos()
	flaky := &flakyRepository{Repository: r.loans}
	r.loans = flaky
	f := newFixture(t, r)
	ctx := context.Background()
	book := f.addBook(t, 1)
	member := uuid.New()

	req, _, err := f.lending.RequestBorrow(ctx, member, book.ID)
	require.NoError(t, err)

	flaky.fail.Store(true)
	_, err = f.lending.ApproveBorrow(ctx, librarian, req.ID)
	require.Error(t, err)
	assert.Equal(t, 1, f.available(t, book.ID))

	stored, err := r.loans.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.RequestPending, stored.Status)

	flaky.fail.Store(false)
	loan, err := f.lending.ApproveBorrow(ctx, librarian, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, book.ID))

	// the compensated attempt did not leak a borrower slot
	_, err = f.lending.Checkout(ctx, librarian, member, f.addBook(t, 1).ID, uuid.Nil)
	require.NoError(t, err)

	linked, err := r.loans.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	require.NotNil(t, linked.BorrowRef)
	assert.Equal(t, loan.ID, *linked.BorrowRef)
}

func TestConcurrentApprovalsNeverOversell(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)

	const members = 8
	requests := make([]*borrowing.BorrowRequest, members)
	for i := range requests {
		req, _, err := f.lending.RequestBorrow(ctx, uuid.New(), book.ID)
		require.NoError(t, err)
		requests[i] = req
	}

	var wg sync.WaitGroup
	var approved, unavailable atomic.Int32
	for _, req := range requests {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.lending.ApproveBorrow(ctx, librarian, id)
			switch {
			case err == nil:
				approved.Add(1)
			case errors.Is(err, apperr.ErrUnavailable):
				unavailable.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(req.ID)
	}
	wg.Wait()

	assert.Equal(t, int32(1), approved.Load())
	assert.Equal(t, int32(members-1), unavailable.Load())
	assert.Equal(t, 0, f.available(t, book.ID))
}

func TestConcurrentApprovalsOfOneRequest(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 3)
	req, _, err := f.lending.RequestBorrow(ctx, uuid.New(), book.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var approved atomic.Int32
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.lending.ApproveBorrow(ctx, librarian, req.ID); err == nil {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), approved.Load())
	assert.Equal(t, 2, f.available(t, book.ID))
	loans, err := f.lending.ListLoans(ctx, borrowing.LoanFilter{BookID: book.ID})
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

func TestPriorityWindowBlocksOthers(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	alice, bob := uuid.New(), uuid.New()

	res, err := f.queue.Reserve(ctx, alice, book.ID)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusNotified, res.Status)

	_, _, err = f.lending.RequestBorrow(ctx, bob, book.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)
	_, err = f.lending.Checkout(ctx, librarian, bob, book.ID, uuid.Nil)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	req, _, err := f.lending.RequestBorrow(ctx, alice, book.ID)
	require.NoError(t, err)
	_, err = f.lending.ApproveBorrow(ctx, librarian, req.ID)
	require.NoError(t, err)

	mine, err := f.queue.ListMine(ctx, alice)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, reservation.StatusCompleted, mine[0].Status)
}

func TestRejectBorrowReleasesReservation(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	alice, bob := uuid.New(), uuid.New()

	_, err := f.queue.Reserve(ctx, alice, book.ID)
	require.NoError(t, err)
	queued, err := f.queue.Reserve(ctx, bob, book.ID)
	require.NoError(t, err)
	require.Equal(t, reservation.StatusPending, queued.Status)

	req, _, err := f.lending.RequestBorrow(ctx, alice, book.ID)
	require.NoError(t, err)
	rejected, err := f.lending.Reject(ctx, librarian, req.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.RequestRejected, rejected.Status)

	_, err = f.lending.Reject(ctx, librarian, req.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	mine, err := f.queue.ListMine(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusExpired, mine[0].Status)
	next, err := f.queue.ListMine(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, reservation.StatusNotified, next[0].Status)
}

func TestRejectedReturnCanBeRefiled(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	member := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}
	loan, err := f.lending.Checkout(ctx, librarian, member.UserID, book.ID, uuid.Nil)
	require.NoError(t, err)

	first, _, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	_, err = f.lending.Reject(ctx, librarian, first.ID)
	require.NoError(t, err)

	stuck, err := f.lending.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.LoanPendingReturn, stuck.Status)

	second, created, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = f.lending.ApproveReturn(ctx, librarian, second.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.available(t, book.ID))

	_, _, err = f.lending.RequestReturn(ctx, member, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCheckoutSettlesExistingRequest(t *testing.T) {
	f := newFixture(t, memoryRepos())
	ctx := context.Background()
	book := f.addBook(t, 1)
	member := uuid.New()
	req, _, err := f.lending.RequestBorrow(ctx, member, book.ID)
	require.NoError(t, err)

	_, err = f.lending.Checkout(ctx, librarian, uuid.New(), book.ID, req.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	loan, err := f.lending.Checkout(ctx, librarian, member, book.ID, req.ID)
	require.NoError(t, err)
	assert.Equal(t, member, loan.UserID)

	approved, err := f.lending.ListRequests(ctx, borrowing.RequestFilter{UserID: member})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, borrowing.RequestApproved, approved[0].Status)
}

func TestPostgresLifecycle(t *testing.T) {
	db := database.OpenTestDB(t)
	f := newFixture(t, repos{
		loans:    borrowing.NewPostgresRepository(db),
		books:    inventory.NewPostgresRepository(db),
		queue:    reservation.NewPostgresRepository(db),
		payments: fines.NewPostgresRepository(db),
	})
	ctx := context.Background()
	book := f.addBook(t, 1)
	member := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}

	req, _, err := f.lending.RequestBorrow(ctx, member.UserID, book.ID)
	require.NoError(t, err)
	_, created, err := f.lending.RequestBorrow(ctx, member.UserID, book.ID)
	require.NoError(t, err)
	assert.False(t, created)

	loan, err := f.lending.ApproveBorrow(ctx, librarian, req.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.available(t, book.ID))
	_, err = f.lending.Checkout(ctx, librarian, uuid.New(), book.ID, uuid.Nil)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	f.clk.Advance(loanPeriod + time.Hour)
	_, _, err = f.lending.RequestReturn(ctx, member, loan.ID)
	require.ErrorIs(t, err, apperr.ErrPaymentRequired)
	f.settleFine(t, loan, 10)

	ret, _, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	f.clk.Advance(24 * time.Hour)
	closed, err := f.lending.ApproveReturn(ctx, librarian, ret.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.LoanReturned, closed.Status)
	assert.True(t, closed.LateFee.Equal(decimal.NewFromInt(10)), "got %s", closed.LateFee)
	assert.Equal(t, 1, f.available(t, book.ID))
}
