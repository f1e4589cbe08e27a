package fines

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/database"
)

const columns = `id, user_id, loan_id, amount, currency, status, purpose, external_order_id,
	external_payment_id, signature, created_at, updated_at`

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, p *Payment) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payments (`+columns+`)
		VALUES (:id, :user_id, :loan_id, :amount, :currency, :status, :purpose, :external_order_id,
			:external_payment_id, :signature, :created_at, :updated_at)
	`, p)
	if database.IsUniqueViolation(err) {
		return apperr.New(apperr.KindConflict, "payment for order %s already recorded", p.ExternalOrderID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := r.findOne(ctx, `SELECT `+columns+` FROM payments WHERE id = $1`, id)
	if err == nil && p == nil {
		return nil, notFound(id.String())
	}
	return p, err
}

func (r *PostgresRepository) FindByOrderID(ctx context.Context, orderID string) (*Payment, error) {
	p, err := r.findOne(ctx, `SELECT `+columns+` FROM payments WHERE external_order_id = $1`, orderID)
	if err == nil && p == nil {
		return nil, notFound("for order " + orderID)
	}
	return p, err
}

func (r *PostgresRepository) FindOpen(ctx context.Context, loanID uuid.UUID, purpose Purpose) (*Payment, error) {
	return r.findOne(ctx, `
		SELECT `+columns+` FROM payments
		WHERE loan_id = $1 AND purpose = $2 AND status IN ('pending', 'success')
		ORDER BY created_at
		LIMIT 1
	`, loanID, purpose)
}

func (r *PostgresRepository) findOne(ctx context.Context, query string, args ...any) (*Payment, error) {
	p := &Payment{}
	err := r.db.GetContext(ctx, p, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) HasSuccess(ctx context.Context, loanID uuid.UUID, purpose Purpose) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE loan_id = $1 AND purpose = $2 AND status = 'success')
	`, loanID, purpose)
	if err != nil {
		return false, fmt.Errorf("failed to check payments: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) SumSuccess(ctx context.Context, loanID uuid.UUID, purpose Purpose) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM payments
		WHERE loan_id = $1 AND purpose = $2 AND status = 'success'
	`, loanID, purpose)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum payments: %w", err)
	}
	return sum, nil
}

func (r *PostgresRepository) MarkSuccess(ctx context.Context, id uuid.UUID, paymentID, signature string, at time.Time) (*Payment, bool, error) {
	p, err := r.findOne(ctx, `
		UPDATE payments
		SET status = 'success', external_payment_id = $2, signature = $3, updated_at = $4
		WHERE id = $1 AND status <> 'success'
		RETURNING `+columns, id, paymentID, signature, at)
	if err != nil {
		return nil, false, fmt.Errorf("failed to settle payment: %w", err)
	}
	if p == nil {
		current, getErr := r.Get(ctx, id)
		return current, false, getErr
	}
	return p, true, nil
}

func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]*Payment, error) {
	ds := database.Dialect.From("payments").Select(goqu.L(columns)).Order(goqu.C("created_at").Desc())
	if f.UserID != uuid.Nil {
		ds = ds.Where(goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.LoanID != uuid.Nil {
		ds = ds.Where(goqu.C("loan_id").Eq(f.LoanID.String()))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		ds = ds.Where(goqu.C("status").In(statuses))
	}
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build payment query: %w", err)
	}
	var out []*Payment
	if err := r.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return out, nil
}
