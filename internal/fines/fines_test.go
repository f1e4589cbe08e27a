package fines_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/gateway"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
)

const loanPeriod = 14 * 24 * time.Hour

var (
	librarian = auth.Identity{UserID: uuid.New(), Role: auth.RoleLibrarian}
	policy    = fines.Policy{Unit: 24 * time.Hour, Rate: decimal.NewFromInt(10)}
)

type fixture struct {
	clk     *clock.Fake
	books   inventory.Service
	lending borrowing.Service
	fines   fines.Service
	notes   notify.Service
	sandbox *gateway.Sandbox
	signer  *gateway.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	notes := notify.NewService(notify.NewMemoryRepository(), clk, zerolog.Nop())
	books := inventory.NewService(inventory.NewMemoryRepository(), journal.Discard{}, clk, zerolog.Nop())
	queue := reservation.NewService(reservation.NewMemoryRepository(), books, notes, journal.Discard{}, clk, 3*time.Minute, zerolog.Nop())

	payments := fines.NewMemoryRepository()
	lending := borrowing.NewService(borrowing.NewMemoryRepository(), books, queue, fines.NewLedger(payments), policy,
		notes, journal.Discard{}, clk, borrowing.Options{LoanPeriod: loanPeriod, MaxActiveBorrows: 3}, zerolog.Nop())

	sandbox := gateway.NewSandbox()
	signer := gateway.NewSigner("key-secret", "hook-secret")
	svc := fines.NewService(payments, lending, sandbox, signer, policy, "INR", notes, journal.Discard{}, clk, zerolog.Nop())
	return &fixture{clk: clk, books: books, lending: lending, fines: svc, notes: notes, sandbox: sandbox, signer: signer}
}

// overdueLoan checks out a fresh book to a new member and moves the clock
// daysLate days past its due date.
func (f *fixture) overdueLoan(t *testing.T, daysLate int) *borrowing.Loan {
	t.Helper()
	ctx := context.Background()
	book, err := f.books.AddBook(ctx, inventory.NewBook{ISBN: uuid.NewString(), Title: "Dune", TotalCopies: 1})
	require.NoError(t, err)
	loan, err := f.lending.Checkout(ctx, librarian, uuid.New(), book.ID, uuid.Nil)
	require.NoError(t, err)
	f.clk.Advance(loanPeriod + time.Duration(daysLate)*24*time.Hour - time.Hour)
	return loan
}

func (f *fixture) paymentNotes(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	list, err := f.notes.List(context.Background(), userID)
	require.NoError(t, err)
	n := 0
	for _, note := range list {
		if note.Kind == notify.KindPaymentSuccess {
			n++
		}
	}
	return n
}

func TestPolicyAssessProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		unit := time.Duration(rapid.IntRange(1, 48).Draw(t, "unitHours")) * time.Hour
		rate := decimal.NewFromInt(int64(rapid.IntRange(1, 100).Draw(t, "rate")))
		p := fines.Policy{Unit: unit, Rate: rate}
		due := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		late := time.Duration(rapid.Int64Range(0, int64(90*24*time.Hour)).Draw(t, "late"))
		fee := p.Assess(due, due.Add(late))

		units := int64(late / unit)
		if late%unit != 0 {
			units++
		}
		if !fee.Equal(rate.Mul(decimal.NewFromInt(units))) {
			t.Fatalf("Assess(%s late) = %s, want %d units of %s", late, fee, units, rate)
		}
		if more := p.Assess(due, due.Add(late+time.Minute)); more.LessThan(fee) {
			t.Fatalf("fee decreased from %s to %s", fee, more)
		}
		if !p.Assess(due, due.Add(-late)).IsZero() {
			t.Fatal("fee charged before due date")
		}
	})
}

func TestIssueFineIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	loan := f.overdueLoan(t, 3)
	p, created, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, fines.StatusPending, p.Status)
	assert.Equal(t, fines.PurposeFine, p.Purpose)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(30)), "got %s", p.Amount)

	f.clk.Advance(48 * time.Hour)
	again, created, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p.ID, again.ID)
	assert.Equal(t, 1, f.sandbox.Orders())

	// the recorded fee does not keep growing while the fine is open
	current, err := f.lending.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, current.LateFee.Equal(decimal.NewFromInt(30)))
}

func TestIssueFineRejectsLoansNotOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	book, err := f.books.AddBook(ctx, inventory.NewBook{ISBN: "1", Title: "Dune", TotalCopies: 1})
	require.NoError(t, err)
	loan, err := f.lending.Checkout(ctx, librarian, uuid.New(), book.ID, uuid.Nil)
	require.NoError(t, err)

	_, _, err = f.fines.IssueFine(ctx, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, 0, f.sandbox.Orders())
}

func TestIssueFineSurvivesGatewayOutage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 1)

	f.sandbox.FailWith(assert.AnError)
	_, _, err := f.fines.IssueFine(ctx, loan.ID)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)

	f.sandbox.FailWith(nil)
	p, created, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, p.ExternalOrderID)
}

func TestVerifyPaymentUnblocksReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 2)
	member := auth.Identity{UserID: loan.UserID, Role: auth.RoleUser}

	_, _, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.ErrorIs(t, err, apperr.ErrPaymentRequired)

	p, err := f.fines.CreateOrder(ctx, member, loan.ID, fines.PurposeFine)
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(20)))

	_, err = f.fines.VerifyPayment(ctx, fines.Confirmation{OrderID: p.ExternalOrderID, PaymentID: "pay_1", Signature: "bad"})
	require.ErrorIs(t, err, apperr.ErrInvalidSignature)

	confirm := fines.Confirmation{OrderID: p.ExternalOrderID, PaymentID: "pay_1", Signature: f.signer.SignPayment(p.ExternalOrderID, "pay_1")}
	settled, err := f.fines.VerifyPayment(ctx, confirm)
	require.NoError(t, err)
	assert.Equal(t, fines.StatusSuccess, settled.Status)
	assert.Equal(t, "pay_1", settled.ExternalPaymentID)

	current, err := f.lending.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, current.LateFee.IsZero())

	_, err = f.fines.VerifyPayment(ctx, confirm)
	require.NoError(t, err)
	assert.Equal(t, 1, f.paymentNotes(t, loan.UserID))

	_, created, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	assert.True(t, created)

	_, err = f.fines.CreateOrder(ctx, member, loan.ID, fines.PurposeFine)
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestWebhookSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 1)
	p, _, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"event":"order.paid","payload":{"order":{"entity":{"id":%q}},"payment":{"entity":{"id":"pay_9","order_id":%q}}}}`,
		p.ExternalOrderID, p.ExternalOrderID))
	sig := f.signer.SignWebhook(body)

	require.NoError(t, f.fines.HandleWebhook(ctx, body, sig))
	require.NoError(t, f.fines.HandleWebhook(ctx, body, sig))
	assert.Equal(t, 1, f.paymentNotes(t, loan.UserID))

	list, err := f.fines.List(ctx, fines.Filter{LoanID: loan.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fines.StatusSuccess, list[0].Status)
	assert.Equal(t, "pay_9", list[0].ExternalPaymentID)

	settled, created, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Nil(t, settled)
}

func TestWebhookPaymentLinkEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 1)
	p, _, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)

	body := []byte(fmt.Sprintf(`{"event":"payment_link.paid","payload":{"payment_link":{"entity":{"id":%q,"payment_id":"pay_link"}}}}`, p.ExternalOrderID))
	require.NoError(t, f.fines.HandleWebhook(ctx, body, f.signer.SignWebhook(body)))

	list, err := f.fines.ListMine(ctx, loan.UserID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, fines.StatusSuccess, list[0].Status)
}

func TestWebhookIgnoresUnknownEventsAndOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unknownEvent := []byte(`{"event":"refund.created","payload":{}}`)
	assert.NoError(t, f.fines.HandleWebhook(ctx, unknownEvent, f.signer.SignWebhook(unknownEvent)))

	unknownOrder := []byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_missing"}}}}`)
	assert.NoError(t, f.fines.HandleWebhook(ctx, unknownOrder, f.signer.SignWebhook(unknownOrder)))

	assert.ErrorIs(t, f.fines.HandleWebhook(ctx, unknownOrder, "forged"), apperr.ErrInvalidSignature)

	malformed := []byte(`{"event":`)
	assert.ErrorIs(t, f.fines.HandleWebhook(ctx, malformed, f.signer.SignWebhook(malformed)), apperr.ErrInvalid)
}

func TestCreateOrderGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 1)

	stranger := auth.Identity{UserID: uuid.New(), Role: auth.RoleUser}
	_, err := f.fines.CreateOrder(ctx, stranger, loan.ID, fines.PurposeFine)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.fines.CreateOrder(ctx, librarian, loan.ID, fines.Purpose("TIP"))
	assert.ErrorIs(t, err, apperr.ErrInvalid)

	_, err = f.fines.CreateOrder(ctx, librarian, loan.ID, fines.PurposeLateFee)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	first, err := f.fines.CreateOrder(ctx, librarian, loan.ID, fines.PurposeFine)
	require.NoError(t, err)
	second, err := f.fines.CreateOrder(ctx, librarian, loan.ID, fines.PurposeFine)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.sandbox.Orders())
}

func TestReturnChargesOnlyUnpaidLateness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.overdueLoan(t, 2)
	member := auth.Identity{UserID: loan.UserID, Role: auth.RoleUser}

	p, _, err := f.fines.IssueFine(ctx, loan.ID)
	require.NoError(t, err)
	_, err = f.fines.VerifyPayment(ctx, fines.Confirmation{
		OrderID: p.ExternalOrderID, PaymentID: "pay_1", Signature: f.signer.SignPayment(p.ExternalOrderID, "pay_1"),
	})
	require.NoError(t, err)

	// three more days pass before the librarian processes the return
	req, _, err := f.lending.RequestReturn(ctx, member, loan.ID)
	require.NoError(t, err)
	f.clk.Advance(3 * 24 * time.Hour)
	closed, err := f.lending.ApproveReturn(ctx, librarian, req.ID)
	require.NoError(t, err)
	assert.Equal(t, borrowing.LoanReturned, closed.Status)
	assert.True(t, closed.LateFee.Equal(decimal.NewFromInt(30)), "got %s", closed.LateFee)

	lateFee, err := f.fines.CreateOrder(ctx, member, loan.ID, fines.PurposeLateFee)
	require.NoError(t, err)
	assert.True(t, lateFee.Amount.Equal(decimal.NewFromInt(30)))

	_, err = f.fines.VerifyPayment(ctx, fines.Confirmation{
		OrderID: lateFee.ExternalOrderID, PaymentID: "pay_2", Signature: f.signer.SignPayment(lateFee.ExternalOrderID, "pay_2"),
	})
	require.NoError(t, err)
	current, err := f.lending.GetLoan(ctx, loan.ID)
	require.NoError(t, err)
	assert.True(t, current.LateFee.IsZero())
}
