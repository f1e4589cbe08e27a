package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Repository persists notifications. Insert fails with a Conflict when a
// notification with the same (user, reference, kind) exists.
type Repository interface {
	Insert(ctx context.Context, n *Notification) error
	Exists(ctx context.Context, userID, referenceID uuid.UUID, kind Kind) (bool, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*Notification, error)
	MarkRead(ctx context.Context, userID, id uuid.UUID, at time.Time) error
	MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int, error)
	Clear(ctx context.Context, userID uuid.UUID, at time.Time) (int, error)
}

type onceKey struct {
	user uuid.UUID
	ref  uuid.UUID
	kind Kind
}

// MemoryRepository keeps notifications in process.
type MemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*Notification
	once map[onceKey]uuid.UUID
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID: make(map[uuid.UUID]*Notification),
		once: make(map[onceKey]uuid.UUID),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, n *Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.ReferenceID != nil {
		key := onceKey{n.UserID, *n.ReferenceID, n.Kind}
		if _, ok := r.once[key]; ok {
			return apperr.New(apperr.KindConflict, "notification already sent")
		}
		r.once[key] = n.ID
	}
	cp := *n
	r.byID[n.ID] = &cp
	return nil
}

func (r *MemoryRepository) Exists(_ context.Context, userID, referenceID uuid.UUID, kind Kind) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.once[onceKey{userID, referenceID, kind}]
	return ok, nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID uuid.UUID) ([]*Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Notification
	for _, n := range r.byID {
		if n.UserID == userID && !n.Cleared {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, userID, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.byID[id]
	if !ok || n.UserID != userID || n.Cleared {
		return apperr.New(apperr.KindNotFound, "notification not found")
	}
	n.IsRead = true
	n.UpdatedAt = at
	return nil
}

func (r *MemoryRepository) MarkAllRead(_ context.Context, userID uuid.UUID, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, n := range r.byID {
		if n.UserID == userID && !n.IsRead && !n.Cleared {
			n.IsRead = true
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}

// Clear hides the user's notifications. Cleared rows still count for
// Exists, so clearing the inbox never re-enables a one-shot notification.
func (r *MemoryRepository) Clear(_ context.Context, userID uuid.UUID, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, n := range r.byID {
		if n.UserID == userID && !n.Cleared {
			n.Cleared = true
			n.UpdatedAt = at
			count++
		}
	}
	return count, nil
}
