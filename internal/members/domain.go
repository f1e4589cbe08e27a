package members

import (
	"time"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/auth"
)

// Member represents a library member or staff account.
type Member struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      auth.Role `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Credential holds a member's login secret.
type Credential struct {
	MemberID     uuid.UUID `db:"member_id"`
	PasswordHash string    `db:"password_hash"`
	Salt         string    `db:"salt"`
}

// Registration is the input to Register.
type Registration struct {
	Email    string
	Name     string
	Password string
}

// Journal event types.
const (
	EventMemberRegistered = "MemberRegistered"
	EventRoleChanged      = "RoleChanged"
)

type memberRegisteredEvent struct {
	Email string    `json:"email"`
	Name  string    `json:"name"`
	Role  auth.Role `json:"role"`
}

type roleChangedEvent struct {
	Role    auth.Role `json:"role"`
	ActorID uuid.UUID `json:"actor_id,omitempty"`
}
