package members

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
)

// Repository persists members and their credentials.
type Repository interface {
	// Insert stores the member and credential together. Conflict when the
	// email is taken.
	Insert(ctx context.Context, m *Member, c *Credential) error
	Get(ctx context.Context, id uuid.UUID) (*Member, error)
	GetByEmail(ctx context.Context, email string) (*Member, error)
	GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error)
	SetRole(ctx context.Context, id uuid.UUID, role auth.Role, at time.Time) (*Member, error)
	List(ctx context.Context) ([]*Member, error)
}

func notFound(what string) error {
	return apperr.New(apperr.KindNotFound, "member %s not found", what)
}

// MemoryRepository keeps members in process.
type MemoryRepository struct {
	mu          sync.Mutex
	members     map[uuid.UUID]*Member
	credentials map[uuid.UUID]*Credential
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		members:     make(map[uuid.UUID]*Member),
		credentials: make(map[uuid.UUID]*Credential),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, m *Member, c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.members {
		if strings.EqualFold(existing.Email, m.Email) {
			return apperr.New(apperr.KindConflict, "email %s is already registered", m.Email)
		}
	}
	mc, cc := *m, *c
	r.members[m.ID] = &mc
	r.credentials[m.ID] = &cc
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, notFound(id.String())
	}
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) GetByEmail(_ context.Context, email string) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if strings.EqualFold(m.Email, email) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, notFound(email)
}

func (r *MemoryRepository) GetCredential(_ context.Context, memberID uuid.UUID) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[memberID]
	if !ok {
		return nil, notFound(memberID.String())
	}
	cp := *c
	return &cp, nil
}

func (r *MemoryRepository) SetRole(_ context.Context, id uuid.UUID, role auth.Role, at time.Time) (*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[id]
	if !ok {
		return nil, notFound(id.String())
	}
	m.Role = role
	m.UpdatedAt = at
	cp := *m
	return &cp, nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
