package borrowing

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Repository persists requests, loans and borrower slots. Every method is a
// single atomic step; status changes are conditional on the current status.
type Repository interface {
	// InsertRequest fails with Conflict when a pending request of the same
	// type exists for the user and book.
	InsertRequest(ctx context.Context, req *BorrowRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*BorrowRequest, error)
	FindPendingRequest(ctx context.Context, userID, bookID uuid.UUID, typ RequestType) (*BorrowRequest, error)
	FindPendingReturn(ctx context.Context, loanID uuid.UUID) (*BorrowRequest, error)
	// ClaimRequest moves a pending request to status, stamping actor as
	// approver or rejecter. InvalidState when it is no longer pending.
	ClaimRequest(ctx context.Context, id uuid.UUID, status RequestStatus, actor uuid.UUID, at time.Time) (*BorrowRequest, error)
	// ReleaseRequest reverts a claim made with status.
	ReleaseRequest(ctx context.Context, id uuid.UUID, status RequestStatus, at time.Time) error
	SetBorrowRef(ctx context.Context, id, loanID uuid.UUID, at time.Time) error
	ListRequests(ctx context.Context, f RequestFilter) ([]*BorrowRequest, error)

	// InsertLoan fails with Conflict when the user already has an active
	// loan of the book.
	InsertLoan(ctx context.Context, l *Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error)
	FindActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error)
	// TransitionLoan moves a loan between non-terminal statuses and clears
	// its return date.
	TransitionLoan(ctx context.Context, id uuid.UUID, from, to LoanStatus, at time.Time) (*Loan, error)
	// CloseLoan moves a pending-return loan to returned.
	CloseLoan(ctx context.Context, id uuid.UUID, returnDate time.Time, fee decimal.Decimal, at time.Time) (*Loan, error)
	// SetLateFee writes fee. With onlyIfZero the write only happens while no
	// fee is recorded; the bool reports whether the row changed.
	SetLateFee(ctx context.Context, id uuid.UUID, fee decimal.Decimal, onlyIfZero bool, at time.Time) (*Loan, bool, error)
	DeleteLoan(ctx context.Context, id uuid.UUID) error
	ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error)

	// AcquireSlot takes one of the user's max borrower slots or fails with
	// MaxBorrowsExceeded.
	AcquireSlot(ctx context.Context, userID uuid.UUID, max int, at time.Time) error
	ReleaseSlot(ctx context.Context, userID uuid.UUID, at time.Time) error
}

func requestNotFound(id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, "borrow request %s not found", id)
}

func loanNotFound(id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, "loan %s not found", id)
}

// MemoryRepository keeps lending state in process.
type MemoryRepository struct {
	mu       sync.Mutex
	requests map[uuid.UUID]*BorrowRequest
	loans    map[uuid.UUID]*Loan
	slots    map[uuid.UUID]int
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[uuid.UUID]*BorrowRequest),
		loans:    make(map[uuid.UUID]*Loan),
		slots:    make(map[uuid.UUID]int),
	}
}

func (m *MemoryRepository) InsertRequest(_ context.Context, req *BorrowRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.Status == RequestPending && r.UserID == req.UserID && r.BookID == req.BookID && r.Type == req.Type {
			return apperr.New(apperr.KindConflict, "a pending %s request already exists", req.Type)
		}
	}
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (*BorrowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, requestNotFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) FindPendingRequest(_ context.Context, userID, bookID uuid.UUID, typ RequestType) (*BorrowRequest, error) {
	return m.findRequest(func(r *BorrowRequest) bool {
		return r.Status == RequestPending && r.UserID == userID && r.BookID == bookID && r.Type == typ
	}), nil
}

func (m *MemoryRepository) FindPendingReturn(_ context.Context, loanID uuid.UUID) (*BorrowRequest, error) {
	return m.findRequest(func(r *BorrowRequest) bool {
		return r.Status == RequestPending && r.Type == TypeReturn && r.BorrowRef != nil && *r.BorrowRef == loanID
	}), nil
}

func (m *MemoryRepository) findRequest(match func(*BorrowRequest) bool) *BorrowRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if match(r) {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (m *MemoryRepository) ClaimRequest(_ context.Context, id uuid.UUID, status RequestStatus, actor uuid.UUID, at time.Time) (*BorrowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, requestNotFound(id)
	}
	if r.Status != RequestPending {
		return nil, apperr.New(apperr.KindInvalidState, "request is already %s", r.Status)
	}
	r.Status = status
	if status == RequestRejected {
		r.RejectedBy, r.RejectedAt = &actor, &at
	} else {
		r.ApprovedBy, r.ApprovedAt = &actor, &at
	}
	r.UpdatedAt = at
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) ReleaseRequest(_ context.Context, id uuid.UUID, status RequestStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return requestNotFound(id)
	}
	if r.Status != status {
		return apperr.New(apperr.KindInvalidState, "request is %s, not %s", r.Status, status)
	}
	r.Status = RequestPending
	r.ApprovedBy, r.ApprovedAt, r.RejectedBy, r.RejectedAt = nil, nil, nil, nil
	r.BorrowRef = nil
	r.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) SetBorrowRef(_ context.Context, id, loanID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return requestNotFound(id)
	}
	r.BorrowRef = &loanID
	r.UpdatedAt = at
	return nil
}

func (m *MemoryRepository) ListRequests(_ context.Context, f RequestFilter) ([]*BorrowRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BorrowRequest
	for _, r := range m.requests {
		if f.UserID != uuid.Nil && r.UserID != f.UserID {
			continue
		}
		if f.Type != "" && r.Type != f.Type {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) InsertLoan(_ context.Context, l *Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.loans {
		if existing.UserID == l.UserID && existing.BookID == l.BookID && slices.Contains(ActiveLoanStatuses, existing.Status) {
			return apperr.New(apperr.KindConflict, "user already borrowed this book")
		}
	}
	cp := *l
	m.loans[l.ID] = &cp
	return nil
}

func (m *MemoryRepository) GetLoan(_ context.Context, id uuid.UUID) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, loanNotFound(id)
	}
	cp := *l
	return &cp, nil
}

func (m *MemoryRepository) FindActiveLoan(_ context.Context, userID, bookID uuid.UUID) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.loans {
		if l.UserID == userID && l.BookID == bookID && slices.Contains(ActiveLoanStatuses, l.Status) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) TransitionLoan(_ context.Context, id uuid.UUID, from, to LoanStatus, at time.Time) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.loanIn(id, from)
	if err != nil {
		return nil, err
	}
	l.Status = to
	l.ReturnDate = nil
	l.UpdatedAt = at
	cp := *l
	return &cp, nil
}

func (m *MemoryRepository) CloseLoan(_ context.Context, id uuid.UUID, returnDate time.Time, fee decimal.Decimal, at time.Time) (*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, err := m.loanIn(id, LoanPendingReturn)
	if err != nil {
		return nil, err
	}
	l.Status = LoanReturned
	l.ReturnDate = &returnDate
	l.LateFee = fee
	l.UpdatedAt = at
	cp := *l
	return &cp, nil
}

func (m *MemoryRepository) loanIn(id uuid.UUID, status LoanStatus) (*Loan, error) {
	l, ok := m.loans[id]
	if !ok {
		return nil, loanNotFound(id)
	}
	if l.Status != status {
		return nil, apperr.New(apperr.KindInvalidState, "loan is %s, not %s", l.Status, status)
	}
	return l, nil
}

func (m *MemoryRepository) SetLateFee(_ context.Context, id uuid.UUID, fee decimal.Decimal, onlyIfZero bool, at time.Time) (*Loan, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return nil, false, loanNotFound(id)
	}
	changed := false
	if !onlyIfZero || l.LateFee.IsZero() {
		changed = !l.LateFee.Equal(fee)
		l.LateFee = fee
		l.UpdatedAt = at
	}
	cp := *l
	return &cp, changed, nil
}

func (m *MemoryRepository) DeleteLoan(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.loans, id)
	return nil
}

func (m *MemoryRepository) ListLoans(_ context.Context, f LoanFilter) ([]*Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Loan
	for _, l := range m.loans {
		if f.UserID != uuid.Nil && l.UserID != f.UserID {
			continue
		}
		if f.BookID != uuid.Nil && l.BookID != f.BookID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, l.Status) {
			continue
		}
		if !f.DueBefore.IsZero() && !l.DueDate.Before(f.DueBefore) {
			continue
		}
		cp := *l
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryRepository) AcquireSlot(_ context.Context, userID uuid.UUID, max int, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[userID] >= max {
		return apperr.ErrMaxBorrowsExceeded
	}
	m.slots[userID]++
	return nil
}

func (m *MemoryRepository) ReleaseSlot(_ context.Context, userID uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.slots[userID] > 0 {
		m.slots[userID]--
	}
	return nil
}
