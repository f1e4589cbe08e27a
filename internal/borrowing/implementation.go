package borrowing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
)

// Ledger is the part of the inventory ledger lending mutates.
type Ledger interface {
	GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	DecrementAvailable(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	IncrementAvailable(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
}

// Queue is the part of the reservation queue lending drives.
type Queue interface {
	CheckPriority(ctx context.Context, userID, bookID uuid.UUID) error
	StartBorrow(ctx context.Context, userID, bookID uuid.UUID) (*reservation.Reservation, error)
	Complete(ctx context.Context, userID, bookID uuid.UUID) (int, error)
	Release(ctx context.Context, userID, bookID uuid.UUID) error
	PromoteNext(ctx context.Context, bookID uuid.UUID) (*reservation.Reservation, error)
}

// service implements the Service interface.
type service struct {
	repo    Repository
	ledger  Ledger
	queue   Queue
	fines   FineLedger
	policy  FeePolicy
	notify  notify.Sender
	journal journal.Recorder
	clock   clock.Clock
	opts    Options
	logger  zerolog.Logger
}

// NewService creates a new borrow lifecycle service instance.
func NewService(repo Repository, ledger Ledger, queue Queue, fines FineLedger, policy FeePolicy,
	sender notify.Sender, j journal.Recorder, clk clock.Clock, opts Options, logger zerolog.Logger) Service {
	return &service{
		repo:    repo,
		ledger:  ledger,
		queue:   queue,
		fines:   fines,
		policy:  policy,
		notify:  sender,
		journal: j,
		clock:   clk,
		opts:    opts,
		logger:  logger.With().Str("component", "borrowing").Logger(),
	}
}

func (s *service) RequestBorrow(ctx context.Context, userID, bookID uuid.UUID) (*BorrowRequest, bool, error) {
	book, err := s.ledger.GetBook(ctx, bookID)
	if err != nil {
		return nil, false, err
	}
	if err := s.queue.CheckPriority(ctx, userID, bookID); err != nil {
		return nil, false, err
	}
	if _, err := s.queue.StartBorrow(ctx, userID, bookID); err != nil {
		return nil, false, fmt.Errorf("failed to start reserved borrow: %w", err)
	}
	if book.AvailableCopies <= 0 {
		return nil, false, apperr.ErrUnavailable
	}

	existing, err := s.repo.FindPendingRequest(ctx, userID, bookID, TypeBorrow)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	req := &BorrowRequest{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		Type:      TypeBorrow,
		Status:    RequestPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertRequest(ctx, req); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			// lost a race with an identical request
			existing, findErr := s.repo.FindPendingRequest(ctx, userID, bookID, TypeBorrow)
			if findErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		return nil, false, fmt.Errorf("failed to create borrow request: %w", err)
	}

	s.recordRequest(ctx, req, EventBorrowRequested, uuid.Nil)
	s.notify.Send(ctx, notify.Message{
		UserID:      userID,
		Kind:        notify.KindBorrowRequested,
		ReferenceID: req.ID,
		Title:       "Borrow request sent",
		Body:        fmt.Sprintf("Your request to borrow %q is waiting for approval.", book.Title),
	})
	return req, true, nil
}

func (s *service) ApproveBorrow(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*Loan, error) {
	if !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.KindForbidden, "only staff can approve requests")
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Type != TypeBorrow || req.Status != RequestPending {
		return nil, apperr.New(apperr.KindInvalidState, "request is not a pending borrow request")
	}
	return s.openLoan(ctx, actor, req.UserID, req.BookID, req)
}

// openLoan runs the approval saga. req is nil for desk checkouts.
func (s *service) openLoan(ctx context.Context, actor auth.Identity, userID, bookID uuid.UUID, req *BorrowRequest) (*Loan, error) {
	active, err := s.repo.FindActiveLoan(ctx, userID, bookID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, apperr.New(apperr.KindConflict, "user already borrowed this book")
	}

	sg := newSaga("approve-borrow", s.logger)
	now := s.clock.Now()

	// Step 1: take a borrower slot
	if err := s.repo.AcquireSlot(ctx, userID, s.opts.MaxActiveBorrows, now); err != nil {
		return nil, err
	}
	sg.done("acquire-slot", func(ctx context.Context) error {
		return s.repo.ReleaseSlot(ctx, userID, s.clock.Now())
	})

	// Step 2: take the copy
	book, err := s.ledger.DecrementAvailable(ctx, bookID)
	if err != nil {
		return nil, sg.abort(ctx, err)
	}
	sg.done("decrement-copies", func(ctx context.Context) error {
		_, err := s.ledger.IncrementAvailable(ctx, bookID)
		return err
	})

	// Step 3: claim the request so a concurrent approval loses
	if req != nil {
		if _, err := s.repo.ClaimRequest(ctx, req.ID, RequestApproved, actor.UserID, now); err != nil {
			return nil, sg.abort(ctx, err)
		}
		sg.done("claim-request", func(ctx context.Context) error {
			return s.repo.ReleaseRequest(ctx, req.ID, RequestApproved, s.clock.Now())
		})
	}

	// Step 4: open the loan
	loan := &Loan{
		ID:         uuid.New(),
		UserID:     userID,
		BookID:     bookID,
		BorrowDate: now,
		DueDate:    now.Add(s.opts.LoanPeriod),
		LateFee:    decimal.Zero,
		Status:     LoanBorrowed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.InsertLoan(ctx, loan); err != nil {
		return nil, sg.abort(ctx, err)
	}
	sg.done("insert-loan", func(ctx context.Context) error {
		return s.repo.DeleteLoan(ctx, loan.ID)
	})

	// Step 5: link the request to the loan
	if req != nil {
		if err := s.repo.SetBorrowRef(ctx, req.ID, loan.ID, now); err != nil {
			return nil, sg.abort(ctx, err)
		}
	}

	// The loan is committed; what follows is best effort.
	if _, err := s.queue.Complete(ctx, userID, bookID); err != nil {
		s.logger.Warn().Err(err).Str("loan_id", loan.ID.String()).Msg("failed to complete reservations")
	}
	if book.AvailableCopies > 0 {
		if _, err := s.queue.PromoteNext(ctx, bookID); err != nil {
			s.logger.Warn().Err(err).Str("book_id", bookID.String()).Msg("failed to promote next reservation")
		}
	}

	requestID := uuid.Nil
	if req != nil {
		requestID = req.ID
	}
	s.recordLoan(ctx, loan, EventLoanOpened, requestID, actor.UserID)
	s.notify.Send(ctx, notify.Message{
		UserID:      userID,
		Kind:        notify.KindBorrowApproved,
		ReferenceID: loan.ID,
		Title:       "Borrow approved",
		Body:        fmt.Sprintf("You borrowed %q. Please return it by %s.", book.Title, loan.DueDate.Format(time.RFC1123)),
	})
	s.logger.Info().Str("loan_id", loan.ID.String()).Str("user_id", userID.String()).Str("book_id", bookID.String()).Msg("loan opened")
	return loan, nil
}

func (s *service) RequestReturn(ctx context.Context, actor auth.Identity, loanID uuid.UUID) (*BorrowRequest, bool, error) {
	loan, err := s.repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, false, err
	}
	if loan.UserID != actor.UserID && !actor.Role.IsStaff() {
		return nil, false, apperr.New(apperr.KindForbidden, "loan belongs to another user")
	}

	existing, err := s.repo.FindPendingReturn(ctx, loanID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	switch loan.Status {
	case LoanPendingReturn:
		// a previous return request was rejected; file a fresh one
	case LoanBorrowed:
		if loan.Overdue(now) {
			settled, err := s.fines.HasSettledFine(ctx, loanID)
			if err != nil {
				return nil, false, fmt.Errorf("failed to check fine: %w", err)
			}
			if !settled {
				return nil, false, apperr.ErrPaymentRequired
			}
		}
		moved, err := s.repo.TransitionLoan(ctx, loanID, LoanBorrowed, LoanPendingReturn, now)
		if err != nil {
			return nil, false, err
		}
		s.recordLoan(ctx, moved, EventReturnStarted, uuid.Nil, actor.UserID)
	default:
		return nil, false, apperr.New(apperr.KindInvalidState, "loan is %s", loan.Status)
	}

	ref := loanID
	req := &BorrowRequest{
		ID:        uuid.New(),
		UserID:    loan.UserID,
		BookID:    loan.BookID,
		Type:      TypeReturn,
		Status:    RequestPending,
		BorrowRef: &ref,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.InsertRequest(ctx, req); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			if existing, findErr := s.repo.FindPendingReturn(ctx, loanID); findErr == nil && existing != nil {
				return existing, false, nil
			}
		}
		if loan.Status == LoanBorrowed {
			if _, undoErr := s.repo.TransitionLoan(context.WithoutCancel(ctx), loanID, LoanPendingReturn, LoanBorrowed, s.clock.Now()); undoErr != nil {
				s.logger.Error().Err(undoErr).Str("loan_id", loanID.String()).Msg("failed to revert return request")
			}
		}
		return nil, false, fmt.Errorf("failed to create return request: %w", err)
	}

	s.recordRequest(ctx, req, EventReturnRequested, actor.UserID)
	s.notify.Send(ctx, notify.Message{
		UserID:      loan.UserID,
		Kind:        notify.KindReturnRequested,
		ReferenceID: req.ID,
		Title:       "Return requested",
		Body:        "Your return request is waiting for a librarian.",
	})
	return req, true, nil
}

func (s *service) ApproveReturn(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*Loan, error) {
	if !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.KindForbidden, "only staff can approve requests")
	}
	req, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Type != TypeReturn || req.Status != RequestPending || req.BorrowRef == nil {
		return nil, apperr.New(apperr.KindInvalidState, "request is not a pending return request")
	}
	loan, err := s.repo.GetLoan(ctx, *req.BorrowRef)
	if err != nil {
		return nil, err
	}
	if loan.Status != LoanPendingReturn {
		return nil, apperr.New(apperr.KindInvalidState, "loan is %s, not %s", loan.Status, LoanPendingReturn)
	}

	sg := newSaga("approve-return", s.logger)
	now := s.clock.Now()

	// Step 1: claim the request
	if _, err := s.repo.ClaimRequest(ctx, req.ID, RequestCompleted, actor.UserID, now); err != nil {
		return nil, err
	}
	sg.done("claim-request", func(ctx context.Context) error {
		return s.repo.ReleaseRequest(ctx, req.ID, RequestCompleted, s.clock.Now())
	})

	// Step 2: finalize the fee and close the loan
	fee, err := s.finalFee(ctx, loan, now)
	if err != nil {
		return nil, sg.abort(ctx, err)
	}
	closed, err := s.repo.CloseLoan(ctx, loan.ID, now, fee, now)
	if err != nil {
		return nil, sg.abort(ctx, err)
	}
	sg.done("close-loan", func(ctx context.Context) error {
		_, err := s.repo.TransitionLoan(ctx, loan.ID, LoanReturned, LoanPendingReturn, s.clock.Now())
		return err
	})

	// Step 3: put the copy back
	if _, err := s.ledger.IncrementAvailable(ctx, loan.BookID); err != nil {
		return nil, sg.abort(ctx, err)
	}

	// Step 4: free the borrower slot
	if err := s.repo.ReleaseSlot(ctx, loan.UserID, now); err != nil {
		s.logger.Error().Err(err).Str("user_id", loan.UserID.String()).Msg("failed to release borrower slot")
	}

	if _, err := s.queue.PromoteNext(ctx, loan.BookID); err != nil {
		s.logger.Warn().Err(err).Str("book_id", loan.BookID.String()).Msg("failed to promote next reservation")
	}

	s.recordLoan(ctx, closed, EventLoanClosed, req.ID, actor.UserID)
	body := "Your return was approved."
	if closed.LateFee.IsPositive() {
		body = fmt.Sprintf("Your return was approved with a late fee of %s.", closed.LateFee.StringFixed(2))
	}
	s.notify.Send(ctx, notify.Message{
		UserID:      loan.UserID,
		Kind:        notify.KindReturnApproved,
		ReferenceID: loan.ID,
		Title:       "Return approved",
		Body:        body,
	})
	return closed, nil
}

// finalFee is the assessed lateness less whatever fine was already paid.
func (s *service) finalFee(ctx context.Context, loan *Loan, returned time.Time) (decimal.Decimal, error) {
	assessed := s.policy.Assess(loan.DueDate, returned)
	if !assessed.IsPositive() {
		return decimal.Zero, nil
	}
	settled, err := s.fines.SettledAmount(ctx, loan.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load settled fines: %w", err)
	}
	fee := assessed.Sub(settled)
	if fee.IsNegative() {
		return decimal.Zero, nil
	}
	return fee, nil
}

func (s *service) Reject(ctx context.Context, actor auth.Identity, requestID uuid.UUID) (*BorrowRequest, error) {
	if !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.KindForbidden, "only staff can reject requests")
	}
	req, err := s.repo.ClaimRequest(ctx, requestID, RequestRejected, actor.UserID, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if req.Type == TypeBorrow {
		if err := s.queue.Release(ctx, req.UserID, req.BookID); err != nil {
			s.logger.Warn().Err(err).Str("request_id", req.ID.String()).Msg("failed to release reservation")
		}
	}

	s.recordRequest(ctx, req, EventRequestRejected, actor.UserID)
	s.notify.Send(ctx, notify.Message{
		UserID:      req.UserID,
		Kind:        notify.KindBorrowRejected,
		ReferenceID: req.ID,
		Title:       "Request rejected",
		Body:        fmt.Sprintf("Your %s request was rejected.", req.Type),
	})
	return req, nil
}

func (s *service) Checkout(ctx context.Context, actor auth.Identity, userID, bookID, requestID uuid.UUID) (*Loan, error) {
	if !actor.Role.IsStaff() {
		return nil, apperr.New(apperr.KindForbidden, "only staff can check out books")
	}
	if requestID != uuid.Nil {
		req, err := s.repo.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if req.UserID != userID || req.BookID != bookID {
			return nil, apperr.New(apperr.KindInvalid, "request does not match user and book")
		}
		return s.ApproveBorrow(ctx, actor, requestID)
	}

	book, err := s.ledger.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.AvailableCopies <= 0 {
		return nil, apperr.ErrUnavailable
	}
	if err := s.queue.CheckPriority(ctx, userID, bookID); err != nil {
		return nil, err
	}
	return s.openLoan(ctx, actor, userID, bookID, nil)
}

func (s *service) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	return s.repo.GetLoan(ctx, id)
}

func (s *service) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	return s.repo.ListLoans(ctx, f)
}

func (s *service) ListRequests(ctx context.Context, f RequestFilter) ([]*BorrowRequest, error) {
	return s.repo.ListRequests(ctx, f)
}

func (s *service) ListOverdue(ctx context.Context, now time.Time) ([]*Loan, error) {
	loans, err := s.repo.ListLoans(ctx, LoanFilter{Statuses: []LoanStatus{LoanBorrowed}, DueBefore: now})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(loans, func(i, j int) bool { return loans[i].DueDate.Before(loans[j].DueDate) })
	return loans, nil
}

func (s *service) ApplyLateFee(ctx context.Context, loanID uuid.UUID, fee decimal.Decimal) (*Loan, bool, error) {
	if fee.IsNegative() {
		return nil, false, apperr.New(apperr.KindInvalid, "late fee must not be negative")
	}
	loan, changed, err := s.repo.SetLateFee(ctx, loanID, fee, true, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	if changed {
		s.recordLoan(ctx, loan, EventLateFeeChanged, uuid.Nil, uuid.Nil)
	}
	return loan, changed, nil
}

func (s *service) ClearLateFee(ctx context.Context, loanID uuid.UUID) error {
	loan, changed, err := s.repo.SetLateFee(ctx, loanID, decimal.Zero, false, s.clock.Now())
	if err != nil {
		return err
	}
	if changed {
		s.recordLoan(ctx, loan, EventLateFeeChanged, uuid.Nil, uuid.Nil)
	}
	return nil
}

func (s *service) recordLoan(ctx context.Context, l *Loan, eventType string, requestID, actorID uuid.UUID) {
	payload := loanEvent{
		UserID: l.UserID, BookID: l.BookID, Status: l.Status, DueDate: l.DueDate,
		LateFee: l.LateFee, RequestID: requestID, ActorID: actorID,
	}
	if err := s.journal.Record(ctx, l.ID, "loan", eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("loan_id", l.ID.String()).Str("event", eventType).Msg("failed to journal loan event")
	}
}

func (s *service) recordRequest(ctx context.Context, r *BorrowRequest, eventType string, actorID uuid.UUID) {
	payload := requestEvent{UserID: r.UserID, BookID: r.BookID, Type: r.Type, Status: r.Status, ActorID: actorID}
	if err := s.journal.Record(ctx, r.ID, "borrow_request", eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("request_id", r.ID.String()).Str("event", eventType).Msg("failed to journal request event")
	}
}
