package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/database"
)

const bookColumns = `id, isbn, title, author, genre, publication_year, total_copies,
	available_copies, availability_status, average_rating, review_count, version, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, b *Book) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES (:id, :isbn, :title, :author, :genre, :publication_year, :total_copies,
			:available_copies, :availability_status, :average_rating, :review_count, :version, :created_at, :updated_at)
	`, b)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperr.New(apperr.KindConflict, "a book with ISBN %s already exists", b.ISBN)
		}
		return fmt.Errorf("failed to insert book: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Book, error) {
	b := &Book{}
	err := r.db.GetContext(ctx, b, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]*Book, error) {
	var out []*Book
	if err := r.db.SelectContext(ctx, &out, `SELECT `+bookColumns+` FROM books ORDER BY title`); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return out, nil
}

// Search matches full-text on title and author, or an exact ISBN.
func (r *PostgresRepository) Search(ctx context.Context, query string) ([]*Book, error) {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var out []*Book
	err := r.db.SelectContext(ctx, &out, `
		SELECT `+bookColumns+`
		FROM books
		WHERE to_tsvector('english', title || ' ' || author) @@ plainto_tsquery('english', $1)
		   OR isbn = $2
		   OR genre ILIKE $2
		ORDER BY title
		LIMIT 50
	`, strings.Join(terms, " "), query)
	if err != nil {
		return nil, fmt.Errorf("database search failed: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Decrement(ctx context.Context, id uuid.UUID, at time.Time) (*Book, error) {
	b := &Book{}
	err := r.db.GetContext(ctx, b, `
		UPDATE books
		SET available_copies = available_copies - 1,
		    availability_status = CASE WHEN available_copies - 1 > 0 THEN 'available' ELSE 'unavailable' END,
		    version = version + 1,
		    updated_at = $2
		WHERE id = $1 AND available_copies > 0
		RETURNING `+bookColumns, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, apperr.ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decrement copies: %w", err)
	}
	return b, nil
}

type bookWithBefore struct {
	Book
	Before int `db:"prev_available"`
}

func (r *PostgresRepository) Increment(ctx context.Context, id uuid.UUID, at time.Time) (*Book, int, error) {
	var row bookWithBefore
	err := r.db.GetContext(ctx, &row, `
		WITH prev AS (
			SELECT id, available_copies FROM books WHERE id = $1 FOR UPDATE
		)
		UPDATE books b
		SET available_copies = LEAST(b.available_copies + 1, b.total_copies),
		    availability_status = CASE WHEN LEAST(b.available_copies + 1, b.total_copies) > 0 THEN 'available' ELSE 'unavailable' END,
		    version = b.version + 1,
		    updated_at = $2
		FROM prev
		WHERE b.id = prev.id
		RETURNING b.id, b.isbn, b.title, b.author, b.genre, b.publication_year, b.total_copies,
			b.available_copies, b.availability_status, b.average_rating, b.review_count,
			b.version, b.created_at, b.updated_at, prev.available_copies AS prev_available
	`, id, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, notFound(id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to increment copies: %w", err)
	}
	return &row.Book, row.Before, nil
}

func (r *PostgresRepository) SetTotal(ctx context.Context, id uuid.UUID, total int, at time.Time) (*Book, int, error) {
	var row bookWithBefore
	err := r.db.GetContext(ctx, &row, `
		WITH prev AS (
			SELECT id, available_copies FROM books WHERE id = $1 FOR UPDATE
		)
		UPDATE books b
		SET available_copies = b.available_copies + ($2 - b.total_copies),
		    total_copies = $2,
		    availability_status = CASE WHEN b.available_copies + ($2 - b.total_copies) > 0 THEN 'available' ELSE 'unavailable' END,
		    version = b.version + 1,
		    updated_at = $3
		FROM prev
		WHERE b.id = prev.id AND b.available_copies + ($2 - b.total_copies) >= 0
		RETURNING b.id, b.isbn, b.title, b.author, b.genre, b.publication_year, b.total_copies,
			b.available_copies, b.availability_status, b.average_rating, b.review_count,
			b.version, b.created_at, b.updated_at, prev.available_copies AS prev_available
	`, id, total, at)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return nil, 0, getErr
		}
		return nil, 0, apperr.New(apperr.KindConflict, "total copies cannot drop below copies on loan")
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to update total copies: %w", err)
	}
	return &row.Book, row.Before, nil
}

func (r *PostgresRepository) SetRating(ctx context.Context, id uuid.UUID, average decimal.Decimal, count int, at time.Time) (*Book, error) {
	b := &Book{}
	err := r.db.GetContext(ctx, b, `
		UPDATE books
		SET average_rating = $2, review_count = $3, updated_at = $4
		WHERE id = $1
		RETURNING `+bookColumns, id, average, count, at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set book rating: %w", err)
	}
	return b, nil
}
