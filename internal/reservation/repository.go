package reservation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Repository persists reservations. Status changes are conditional on the
// current status so that concurrent promotions, expiries and borrows
// cannot both win.
type Repository interface {
	// Insert fails with AlreadyReserved when the user holds an open
	// reservation for the same book.
	Insert(ctx context.Context, r *Reservation) error
	CountActive(ctx context.Context, bookID uuid.UUID) (int, error)
	CountPending(ctx context.Context, bookID uuid.UUID) (int, error)
	// PromoteOldest notifies the FIFO head of bookID if fewer than capacity
	// reservations are active. It returns nil when nothing changed.
	PromoteOldest(ctx context.Context, bookID uuid.UUID, capacity int, expiresAt, at time.Time) (*Reservation, error)
	// Transition moves id from one status to another, failing with
	// InvalidState when the reservation is no longer in from.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, expiresAt *time.Time, at time.Time) (*Reservation, error)
	FindBlocking(ctx context.Context, bookID, userID uuid.UUID, now time.Time) (*Reservation, error)
	FindByUserBook(ctx context.Context, userID, bookID uuid.UUID, statuses ...Status) (*Reservation, error)
	CompleteForUser(ctx context.Context, userID, bookID uuid.UUID, at time.Time) (int, error)
	// ListExpired returns notified reservations with expiresAt before now,
	// oldest window first.
	ListExpired(ctx context.Context, now time.Time) ([]*Reservation, error)
	List(ctx context.Context, f Filter) ([]*Reservation, error)
}

func notFound(id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, "reservation %s not found", id)
}

type entry struct {
	Reservation
	seq uint64
}

// MemoryRepository keeps reservations in process.
type MemoryRepository struct {
	mu   sync.Mutex
	seq  uint64
	byID map[uuid.UUID]*entry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*entry)}
}

func (m *MemoryRepository) Insert(_ context.Context, r *Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.UserID == r.UserID && e.BookID == r.BookID && slices.Contains(OpenStatuses, e.Status) {
			return apperr.ErrAlreadyReserved
		}
	}
	m.seq++
	m.byID[r.ID] = &entry{Reservation: *r, seq: m.seq}
	return nil
}

func (m *MemoryRepository) CountActive(_ context.Context, bookID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countActive(bookID), nil
}

func (m *MemoryRepository) countActive(bookID uuid.UUID) int {
	n := 0
	for _, e := range m.byID {
		if e.BookID == bookID && slices.Contains(ActiveStatuses, e.Status) {
			n++
		}
	}
	return n
}

func (m *MemoryRepository) CountPending(_ context.Context, bookID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byID {
		if e.BookID == bookID && e.Status == StatusPending {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) PromoteOldest(_ context.Context, bookID uuid.UUID, capacity int, expiresAt, at time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countActive(bookID) >= capacity {
		return nil, nil
	}
	var head *entry
	for _, e := range m.byID {
		if e.BookID != bookID || e.Status != StatusPending {
			continue
		}
		if head == nil || before(e, head) {
			head = e
		}
	}
	if head == nil {
		return nil, nil
	}
	head.Status = StatusNotified
	head.ExpiresAt = &expiresAt
	head.UpdatedAt = at
	return head.copy(), nil
}

func (m *MemoryRepository) Transition(_ context.Context, id uuid.UUID, from, to Status, expiresAt *time.Time, at time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	if e.Status != from {
		return nil, apperr.New(apperr.KindInvalidState, "reservation is %s, not %s", e.Status, from)
	}
	e.Status = to
	e.ExpiresAt = expiresAt
	e.UpdatedAt = at
	return e.copy(), nil
}

func (m *MemoryRepository) FindBlocking(_ context.Context, bookID, userID uuid.UUID, now time.Time) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.BookID == bookID && e.UserID != userID && e.Status == StatusNotified &&
			e.ExpiresAt != nil && e.ExpiresAt.After(now) {
			return e.copy(), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) FindByUserBook(_ context.Context, userID, bookID uuid.UUID, statuses ...Status) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.UserID == userID && e.BookID == bookID && slices.Contains(statuses, e.Status) {
			return e.copy(), nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) CompleteForUser(_ context.Context, userID, bookID uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.byID {
		if e.UserID == userID && e.BookID == bookID && slices.Contains(ActiveStatuses, e.Status) {
			e.Status = StatusCompleted
			e.ExpiresAt = nil
			e.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListExpired(_ context.Context, now time.Time) ([]*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*entry
	for _, e := range m.byID {
		if e.Status == StatusNotified && e.ExpiresAt != nil && e.ExpiresAt.Before(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
		}
		return before(due[i], due[j])
	})
	out := make([]*Reservation, 0, len(due))
	for _, e := range due {
		out = append(out, e.copy())
	}
	return out, nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*entry
	for _, e := range m.byID {
		if f.UserID != uuid.Nil && e.UserID != f.UserID {
			continue
		}
		if f.BookID != uuid.Nil && e.BookID != f.BookID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, e.Status) {
			continue
		}
		matched = append(matched, e)
	}
	// newest first
	sort.Slice(matched, func(i, j int) bool { return before(matched[j], matched[i]) })
	out := make([]*Reservation, 0, len(matched))
	for _, e := range matched {
		out = append(out, e.copy())
	}
	return out, nil
}

func before(a, b *entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (e *entry) copy() *Reservation {
	r := e.Reservation
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		r.ExpiresAt = &t
	}
	return &r
}
