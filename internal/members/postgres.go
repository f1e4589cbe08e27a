package members

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/database"
)

const columns = `id, email, name, role, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, m *Member, c *Credential) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO members (`+columns+`)
		VALUES (:id, lower(:email), :name, :role, :created_at, :updated_at)
	`, m)
	if database.IsUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "email %s is already registered", m.Email)
	}
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO credentials (member_id, password_hash, salt)
		VALUES (:member_id, :password_hash, :salt)
	`, c)
	if err != nil {
		return fmt.Errorf("failed to insert credential: %w", err)
	}
	return tx.Commit()
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Member, error) {
	return r.findOne(ctx, id.String(), `SELECT `+columns+` FROM members WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*Member, error) {
	return r.findOne(ctx, email, `SELECT `+columns+` FROM members WHERE email = lower($1)`, email)
}

func (r *PostgresRepository) findOne(ctx context.Context, what, query string, args ...any) (*Member, error) {
	m := &Member{}
	err := r.db.GetContext(ctx, m, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(what)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) GetCredential(ctx context.Context, memberID uuid.UUID) (*Credential, error) {
	c := &Credential{}
	err := r.db.GetContext(ctx, c, `SELECT member_id, password_hash, salt FROM credentials WHERE member_id = $1`, memberID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(memberID.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return c, nil
}

func (r *PostgresRepository) SetRole(ctx context.Context, id uuid.UUID, role auth.Role, at time.Time) (*Member, error) {
	return r.findOne(ctx, id.String(), `
		UPDATE members SET role = $2, updated_at = $3 WHERE id = $1
		RETURNING `+columns, id, role, at)
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Member, error) {
	var out []*Member
	if err := r.db.SelectContext(ctx, &out, `SELECT `+columns+` FROM members ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return out, nil
}
