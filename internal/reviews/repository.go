package reviews

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Repository stores reviews.
type Repository interface {
	// Insert fails with Conflict when the user already reviewed the book.
	Insert(ctx context.Context, r *Review) error
	Get(ctx context.Context, id uuid.UUID) (*Review, error)
	// Approve marks id approved. changed is false when it already was.
	Approve(ctx context.Context, id uuid.UUID, at time.Time) (r *Review, changed bool, err error)
	// Delete removes id and returns what was removed.
	Delete(ctx context.Context, id uuid.UUID) (*Review, error)
	List(ctx context.Context, f Filter) ([]*Review, error)
	// Tally counts and sums the approved ratings of bookID.
	Tally(ctx context.Context, bookID uuid.UUID) (count, sum int, err error)
}

func notFound(id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, "review %s not found", id)
}

func duplicate() error {
	return apperr.New(apperr.KindConflict, "you have already reviewed this book")
}

// MemoryRepository keeps reviews in process.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Review
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Review)}
}

func (m *MemoryRepository) Insert(_ context.Context, r *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.UserID == r.UserID && existing.BookID == r.BookID {
			return duplicate()
		}
	}
	cp := *r
	m.byID[r.ID] = &cp
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryRepository) Approve(_ context.Context, id uuid.UUID, at time.Time) (*Review, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, false, notFound(id)
	}
	changed := !r.Approved
	if changed {
		r.Approved = true
		r.UpdatedAt = at
	}
	cp := *r
	return &cp, changed, nil
}

func (m *MemoryRepository) Delete(_ context.Context, id uuid.UUID) (*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[id]
	if !ok {
		return nil, notFound(id)
	}
	delete(m.byID, id)
	return r, nil
}

func (m *MemoryRepository) List(_ context.Context, f Filter) ([]*Review, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Review
	for _, r := range m.byID {
		if f.UserID != uuid.Nil && r.UserID != f.UserID {
			continue
		}
		if f.BookID != uuid.Nil && r.BookID != f.BookID {
			continue
		}
		if f.Approved != nil && r.Approved != *f.Approved {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	// newest first
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

func (m *MemoryRepository) Tally(_ context.Context, bookID uuid.UUID) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, sum := 0, 0
	for _, r := range m.byID {
		if r.BookID == bookID && r.Approved {
			count++
			sum += r.Rating
		}
	}
	return count, sum, nil
}
