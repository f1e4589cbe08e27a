package reviews

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/libralend/internal/database"
)

const columns = `id, user_id, book_id, rating, comment, is_approved, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, r *Review) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO reviews (`+columns+`)
		VALUES (:id, :user_id, :book_id, :rating, :comment, :is_approved, :created_at, :updated_at)
	`, r)
	if database.IsUniqueViolation(err, "reviews_user_book_uniq") {
		return duplicate()
	}
	if err != nil {
		return fmt.Errorf("failed to insert review: %w", err)
	}
	return nil
}

func (p *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Review, error) {
	r := &Review{}
	err := p.db.GetContext(ctx, r, `SELECT `+columns+` FROM reviews WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) Approve(ctx context.Context, id uuid.UUID, at time.Time) (*Review, bool, error) {
	r := &Review{}
	err := p.db.GetContext(ctx, r, `
		UPDATE reviews SET is_approved = TRUE, updated_at = $2
		WHERE id = $1 AND NOT is_approved
		RETURNING `+columns, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.Get(ctx, id)
		return current, false, getErr
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to approve review: %w", err)
	}
	return r, true, nil
}

func (p *PostgresRepository) Delete(ctx context.Context, id uuid.UUID) (*Review, error) {
	r := &Review{}
	err := p.db.GetContext(ctx, r, `DELETE FROM reviews WHERE id = $1 RETURNING `+columns, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to delete review: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) List(ctx context.Context, f Filter) ([]*Review, error) {
	ds := database.Dialect.From("reviews").
		Select("id", "user_id", "book_id", "rating", "comment", "is_approved", "created_at", "updated_at").
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())
	if f.UserID != uuid.Nil {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.BookID != uuid.Nil {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID.String()))
	}
	if f.Approved != nil {
		ds = ds.Where(goqu.C("is_approved").Eq(*f.Approved))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build review query: %w", err)
	}

	var out []*Review
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) Tally(ctx context.Context, bookID uuid.UUID) (int, int, error) {
	var row struct {
		Count int `db:"count"`
		Sum   int `db:"sum"`
	}
	err := p.db.GetContext(ctx, &row, `
		SELECT count(*) AS count, COALESCE(sum(rating), 0) AS sum
		FROM reviews WHERE book_id = $1 AND is_approved
	`, bookID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to tally ratings: %w", err)
	}
	return row.Count, row.Sum, nil
}
