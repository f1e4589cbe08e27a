package inventory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Repository stores books. Every copy-count mutation is a single atomic
// conditional update.
type Repository interface {
	Insert(ctx context.Context, b *Book) error
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	List(ctx context.Context) ([]*Book, error)
	Search(ctx context.Context, query string) ([]*Book, error)
	// Decrement fails with Unavailable when AvailableCopies is 0.
	Decrement(ctx context.Context, id uuid.UUID, at time.Time) (*Book, error)
	// Increment returns the updated book and the available count before it.
	Increment(ctx context.Context, id uuid.UUID, at time.Time) (*Book, int, error)
	// SetTotal fails with Conflict when the new total is below the copies on loan.
	SetTotal(ctx context.Context, id uuid.UUID, total int, at time.Time) (*Book, int, error)
	SetRating(ctx context.Context, id uuid.UUID, average decimal.Decimal, count int, at time.Time) (*Book, error)
}

func notFound(id uuid.UUID) error {
	return apperr.New(apperr.KindNotFound, "book %s not found", id)
}

// MemoryRepository keeps books in process.
type MemoryRepository struct {
	mu    sync.Mutex
	books map[uuid.UUID]*Book
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{books: make(map[uuid.UUID]*Book)}
}

func (r *MemoryRepository) Insert(_ context.Context, b *Book) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.books {
		if existing.ISBN == b.ISBN {
			return apperr.New(apperr.KindConflict, "a book with ISBN %s already exists", b.ISBN)
		}
	}
	cp := *b
	r.books[b.ID] = &cp
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, notFound(id)
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Book, error) {
	return r.filter(func(*Book) bool { return true }), nil
}

func (r *MemoryRepository) Search(_ context.Context, query string) ([]*Book, error) {
	q := strings.ToLower(query)
	return r.filter(func(b *Book) bool {
		return strings.Contains(strings.ToLower(b.Title), q) ||
			strings.Contains(strings.ToLower(b.Author), q) ||
			strings.Contains(strings.ToLower(b.Genre), q) ||
			b.ISBN == query
	}), nil
}

func (r *MemoryRepository) filter(keep func(*Book) bool) []*Book {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Book
	for _, b := range r.books {
		if keep(b) {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out
}

func (r *MemoryRepository) Decrement(_ context.Context, id uuid.UUID, at time.Time) (*Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, notFound(id)
	}
	if b.AvailableCopies <= 0 {
		return nil, apperr.ErrUnavailable
	}
	b.AvailableCopies--
	touch(b, at)
	cp := *b
	return &cp, nil
}

func (r *MemoryRepository) Increment(_ context.Context, id uuid.UUID, at time.Time) (*Book, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, 0, notFound(id)
	}
	before := b.AvailableCopies
	if b.AvailableCopies < b.TotalCopies {
		b.AvailableCopies++
		touch(b, at)
	}
	cp := *b
	return &cp, before, nil
}

func (r *MemoryRepository) SetTotal(_ context.Context, id uuid.UUID, total int, at time.Time) (*Book, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, 0, notFound(id)
	}
	before := b.AvailableCopies
	available := b.AvailableCopies + (total - b.TotalCopies)
	if available < 0 {
		return nil, 0, apperr.New(apperr.KindConflict, "total copies cannot drop below copies on loan (%d)", b.TotalCopies-b.AvailableCopies)
	}
	b.TotalCopies = total
	b.AvailableCopies = available
	touch(b, at)
	cp := *b
	return &cp, before, nil
}

func (r *MemoryRepository) SetRating(_ context.Context, id uuid.UUID, average decimal.Decimal, count int, at time.Time) (*Book, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.books[id]
	if !ok {
		return nil, notFound(id)
	}
	b.AverageRating = average
	b.ReviewCount = count
	b.UpdatedAt = at
	cp := *b
	return &cp, nil
}

func touch(b *Book, at time.Time) {
	b.AvailabilityStatus = statusFor(b.AvailableCopies)
	b.Version++
	b.UpdatedAt = at
}
