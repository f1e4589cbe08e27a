package fines

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

// Repository persists payments.
type Repository interface {
	// Insert fails with Conflict on a duplicate order id or when the loan
	// already has a pending or successful FINE payment.
	Insert(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id uuid.UUID) (*Payment, error)
	FindByOrderID(ctx context.Context, orderID string) (*Payment, error)
	// FindOpen returns the loan's pending or successful payment for
	// purpose, or nil.
	FindOpen(ctx context.Context, loanID uuid.UUID, purpose Purpose) (*Payment, error)
	HasSuccess(ctx context.Context, loanID uuid.UUID, purpose Purpose) (bool, error)
	SumSuccess(ctx context.Context, loanID uuid.UUID, purpose Purpose) (decimal.Decimal, error)
	// MarkSuccess settles a payment that is not yet successful. The bool
	// reports whether this call changed it.
	MarkSuccess(ctx context.Context, id uuid.UUID, paymentID, signature string, at time.Time) (*Payment, bool, error)
	List(ctx context.Context, f Filter) ([]*Payment, error)
}

func notFound(what string) error {
	return apperr.New(apperr.KindNotFound, "payment %s not found", what)
}

// MemoryRepository keeps payments in process.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Payment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Payment)}
}

func (m *MemoryRepository) Insert(_ context.Context, p *Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.ExternalOrderID == p.ExternalOrderID {
			return apperr.New(apperr.KindConflict, "order %s already recorded", p.ExternalOrderID)
		}
		if p.Purpose == PurposeFine && existing.LoanID == p.LoanID && existing.Purpose == PurposeFine &&
			existing.Status != StatusFailed {
			return apperr.New(apperr.KindConflict, "loan already has a fine payment")
		}
	}
	cp := *p
	m.byID[p.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, notFound(id.String())
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryRepository) FindByOrderID(_ context.Context, orderID string) (*Payment, error) {
	if p := m.find(func(p *Payment) bool { return p.ExternalOrderID == orderID }); p != nil {
		return p, nil
	}
	return nil, notFound("for order " + orderID)
}

func (m *MemoryRepository) FindOpen(_ context.Context, loanID uuid.UUID, purpose Purpose) (*Payment, error) {
	return m.find(func(p *Payment) bool {
		return p.LoanID == loanID && p.Purpose == purpose && p.Status != StatusFailed
	}), nil
}

func (m *MemoryRepository) find(match func(*Payment) bool) *Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if match(p) {
			cp := *p
			return &cp
		}
	}
	return nil
}

func (m *MemoryRepository) HasSuccess(_ context.Context, loanID uuid.UUID, purpose Purpose) (bool, error) {
	sum, err := m.count(loanID, purpose)
	return sum > 0, err
}

func (m *MemoryRepository) count(loanID uuid.UUID, purpose Purpose) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.byID {
		if p.LoanID == loanID && p.Purpose == purpose && p.Status == StatusSuccess {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) SumSuccess(_ context.Context, loanID uuid.UUID, purpose Purpose) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := decimal.Zero
	for _, p := range m.byID {
		if p.LoanID == loanID && p.Purpose == purpose && p.Status == StatusSuccess {
			sum = sum.Add(p.Amount)
		}
	}
	return sum, nil
}

func (m *MemoryRepository) MarkSuccess(_ context.Context, id uuid.UUID, paymentID, signature string, at time.Time) (*Payment, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, false, notFound(id.String())
	}
	if p.Status == StatusSuccess {
		cp := *p
		return &cp, false, nil
	}
	p.Status = StatusSuccess
	p.ExternalPaymentID = paymentID
	p.Signature = signature
	p.UpdatedAt = at
	cp := *p
	return &cp, true, nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payment
	for _, p := range m.byID {
		if f.UserID != uuid.Nil && p.UserID != f.UserID {
			continue
		}
		if f.LoanID != uuid.Nil && p.LoanID != f.LoanID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, p.Status) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
