package members

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/journal"
)

const minPasswordLen = 8

// Failed logins refill one attempt every 12 seconds, five at most.
const (
	loginEvery = 12 * time.Second
	loginBurst = 5
)

var errBadCredentials = apperr.New(apperr.KindUnauthorized, "invalid email or password")

// service implements the Service interface.
type service struct {
	repo    Repository
	journal journal.Recorder
	clock   clock.Clock
	logger  zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*rate.Limiter
}

// NewService creates a new member directory service instance.
func NewService(repo Repository, j journal.Recorder, clk clock.Clock, logger zerolog.Logger) Service {
	return &service{
		repo:     repo,
		journal:  j,
		clock:    clk,
		logger:   logger.With().Str("component", "members").Logger(),
		attempts: make(map[string]*rate.Limiter),
	}
}

func (s *service) Register(ctx context.Context, reg Registration) (*Member, error) {
	return s.create(ctx, reg, auth.RoleUser)
}

func (s *service) create(ctx context.Context, reg Registration, role auth.Role) (*Member, error) {
	email := strings.ToLower(strings.TrimSpace(reg.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, apperr.New(apperr.KindInvalid, "email must be a valid address")
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return nil, apperr.New(apperr.KindInvalid, "name must be provided")
	}
	if len(reg.Password) < minPasswordLen {
		return nil, apperr.New(apperr.KindInvalid, "password must be at least %d characters", minPasswordLen)
	}

	hash, salt, err := hashPassword(reg.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	now := s.clock.Now()
	m := &Member{
		ID:        uuid.New(),
		Email:     email,
		Name:      name,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, m, &Credential{MemberID: m.ID, PasswordHash: hash, Salt: salt}); err != nil {
		return nil, err
	}

	if err := s.journal.Record(ctx, m.ID, "member", EventMemberRegistered, memberRegisteredEvent{Email: m.Email, Name: m.Name, Role: m.Role}); err != nil {
		s.logger.Warn().Err(err).Str("member_id", m.ID.String()).Msg("failed to journal registration")
	}
	s.logger.Info().Str("member_id", m.ID.String()).Str("role", string(role)).Msg("member registered")
	return m, nil
}

func (s *service) Authenticate(ctx context.Context, email, password string) (*Member, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	limiter := s.limiter(email)
	if limiter.Tokens() < 1 {
		return nil, apperr.New(apperr.KindUnauthorized, "too many failed login attempts, try again later")
	}

	m, err := s.repo.GetByEmail(ctx, email)
	if errors.Is(err, apperr.ErrNotFound) {
		limiter.Allow()
		return nil, errBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	cred, err := s.repo.GetCredential(ctx, m.ID)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	ok, err := verifyPassword(password, cred.Salt, cred.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	if !ok {
		limiter.Allow()
		s.logger.Debug().Str("member_id", m.ID.String()).Msg("failed login")
		return nil, errBadCredentials
	}
	return m, nil
}

// limiter returns the failed-attempt budget of email. Only failures spend it.
func (s *service) limiter(email string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.attempts[email]
	if !ok {
		l = rate.NewLimiter(rate.Every(loginEvery), loginBurst)
		s.attempts[email] = l
	}
	return l
}

func (s *service) GetMember(ctx context.Context, id uuid.UUID) (*Member, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) List(ctx context.Context) ([]*Member, error) {
	return s.repo.List(ctx)
}

func (s *service) SetRole(ctx context.Context, actor auth.Identity, id uuid.UUID, role auth.Role) (*Member, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, apperr.New(apperr.KindForbidden, "only admins can change roles")
	}
	if !role.Valid() {
		return nil, apperr.New(apperr.KindInvalid, "unknown role %q", role)
	}
	if id == actor.UserID && role != auth.RoleAdmin {
		return nil, apperr.New(apperr.KindInvalidState, "admins cannot demote themselves")
	}
	m, err := s.repo.SetRole(ctx, id, role, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.journal.Record(ctx, m.ID, "member", EventRoleChanged, roleChangedEvent{Role: role, ActorID: actor.UserID}); err != nil {
		s.logger.Warn().Err(err).Str("member_id", m.ID.String()).Msg("failed to journal role change")
	}
	return m, nil
}

func (s *service) EnsureAdmin(ctx context.Context, email, password string) (*Member, error) {
	existing, err := s.repo.GetByEmail(ctx, email)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	return s.create(ctx, Registration{Email: email, Name: "Administrator", Password: password}, auth.RoleAdmin)
}
