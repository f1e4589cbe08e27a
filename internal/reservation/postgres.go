package reservation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/database"
)

const columns = `id, user_id, book_id, status, expires_at, created_at, updated_at`

var activeStatuses = pq.Array([]string{string(StatusNotified), string(StatusInProgress)})

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, r *Reservation) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO reservations (`+columns+`)
		VALUES (:id, :user_id, :book_id, :status, :expires_at, :created_at, :updated_at)
	`, r)
	if database.IsUniqueViolation(err, "reservations_open_uniq") {
		return apperr.ErrAlreadyReserved
	}
	if err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (p *PostgresRepository) CountActive(ctx context.Context, bookID uuid.UUID) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT count(*) FROM reservations WHERE book_id = $1 AND status = ANY($2)
	`, bookID, activeStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to count active reservations: %w", err)
	}
	return n, nil
}

func (p *PostgresRepository) CountPending(ctx context.Context, bookID uuid.UUID) (int, error) {
	var n int
	err := p.db.GetContext(ctx, &n, `
		SELECT count(*) FROM reservations WHERE book_id = $1 AND status = 'pending'
	`, bookID)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending reservations: %w", err)
	}
	return n, nil
}

func (p *PostgresRepository) PromoteOldest(ctx context.Context, bookID uuid.UUID, capacity int, expiresAt, at time.Time) (*Reservation, error) {
	r := &Reservation{}
	err := p.db.GetContext(ctx, r, `
		UPDATE reservations
		SET status = 'notified', expires_at = $3, updated_at = $4
		WHERE id = (
			SELECT id FROM reservations
			WHERE book_id = $1 AND status = 'pending'
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND status = 'pending'
		AND (SELECT count(*) FROM reservations WHERE book_id = $1 AND status = ANY($5)) < $2
		RETURNING `+columns, bookID, capacity, expiresAt, at, activeStatuses)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to promote reservation: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) Transition(ctx context.Context, id uuid.UUID, from, to Status, expiresAt *time.Time, at time.Time) (*Reservation, error) {
	r := &Reservation{}
	err := p.db.GetContext(ctx, r, `
		UPDATE reservations
		SET status = $3, expires_at = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+columns, id, from, to, expiresAt, at)
	if errors.Is(err, sql.ErrNoRows) {
		var current Status
		getErr := p.db.GetContext(ctx, &current, `SELECT status FROM reservations WHERE id = $1`, id)
		if errors.Is(getErr, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		if getErr != nil {
			return nil, fmt.Errorf("failed to load reservation: %w", getErr)
		}
		return nil, apperr.New(apperr.KindInvalidState, "reservation is %s, not %s", current, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition reservation: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) FindBlocking(ctx context.Context, bookID, userID uuid.UUID, now time.Time) (*Reservation, error) {
	return p.findOne(ctx, `
		SELECT `+columns+` FROM reservations
		WHERE book_id = $1 AND user_id <> $2 AND status = 'notified' AND expires_at > $3
		ORDER BY created_at
		LIMIT 1
	`, bookID, userID, now)
}

func (p *PostgresRepository) FindByUserBook(ctx context.Context, userID, bookID uuid.UUID, statuses ...Status) (*Reservation, error) {
	return p.findOne(ctx, `
		SELECT `+columns+` FROM reservations
		WHERE user_id = $1 AND book_id = $2 AND status = ANY($3)
		ORDER BY created_at
		LIMIT 1
	`, userID, bookID, pq.Array(statusStrings(statuses)))
}

func (p *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*Reservation, error) {
	r := &Reservation{}
	err := p.db.GetContext(ctx, r, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find reservation: %w", err)
	}
	return r, nil
}

func (p *PostgresRepository) CompleteForUser(ctx context.Context, userID, bookID uuid.UUID, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE reservations
		SET status = 'completed', expires_at = NULL, updated_at = $3
		WHERE user_id = $1 AND book_id = $2 AND status = ANY($4)
	`, userID, bookID, at, activeStatuses)
	if err != nil {
		return 0, fmt.Errorf("failed to complete reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

func (p *PostgresRepository) ListExpired(ctx context.Context, now time.Time) ([]*Reservation, error) {
	var out []*Reservation
	err := p.db.SelectContext(ctx, &out, `
		SELECT `+columns+` FROM reservations
		WHERE status = 'notified' AND expires_at < $1
		ORDER BY expires_at, created_at, id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	ds := database.Dialect.From("reservations").
		Select("id", "user_id", "book_id", "status", "expires_at", "created_at", "updated_at").
		Order(goqu.C("created_at").Desc(), goqu.C("id").Desc())
	if f.UserID != uuid.Nil {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.BookID != uuid.Nil {
		ds = ds.Where(goqu.C("book_id").Eq(f.BookID.String()))
	}
	if len(f.Statuses) > 0 {
		ds = ds.Where(goqu.C("status").In(statusStrings(f.Statuses)))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build reservation query: %w", err)
	}

	var out []*Reservation
	if err := p.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return out, nil
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
