package members

import (
	"context"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/auth"
)

// Service defines the interface for the member directory.
type Service interface {
	Register(ctx context.Context, reg Registration) (*Member, error)
	// Authenticate verifies credentials. Failed attempts are throttled per
	// email.
	Authenticate(ctx context.Context, email, password string) (*Member, error)
	GetMember(ctx context.Context, id uuid.UUID) (*Member, error)
	List(ctx context.Context) ([]*Member, error)
	SetRole(ctx context.Context, actor auth.Identity, id uuid.UUID, role auth.Role) (*Member, error)
	// EnsureAdmin creates the bootstrap admin account unless the email is
	// already registered.
	EnsureAdmin(ctx context.Context, email, password string) (*Member, error)
}
