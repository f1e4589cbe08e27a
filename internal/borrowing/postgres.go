package borrowing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/database"
)

const (
	requestColumns = `id, user_id, book_id, type, status, borrow_ref, approved_by, approved_at,
		rejected_by, rejected_at, created_at, updated_at`
	loanColumns = `id, user_id, book_id, borrow_date, due_date, return_date, late_fee, status,
		created_at, updated_at`
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) InsertRequest(ctx context.Context, req *BorrowRequest) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO borrow_requests (`+requestColumns+`)
		VALUES (:id, :user_id, :book_id, :type, :status, :borrow_ref, :approved_by, :approved_at,
			:rejected_by, :rejected_at, :created_at, :updated_at)
	`, req)
	if database.IsUniqueViolation(err, "borrow_requests_pending_uniq") {
		return apperr.New(apperr.KindConflict, "a pending %s request already exists", req.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to insert borrow request: %w", err)
	}
	return nil
}

func (p *PostgresRepository) GetRequest(ctx context.Context, id uuid.UUID) (*BorrowRequest, error) {
	req, err := p.findRequest(ctx, `SELECT `+requestColumns+` FROM borrow_requests WHERE id = $1`, id)
	if err == nil && req == nil {
		return nil, requestNotFound(id)
	}
	return req, err
}

func (p *PostgresRepository) FindPendingRequest(ctx context.Context, userID, bookID uuid.UUID, typ RequestType) (*BorrowRequest, error) {
	return p.findRequest(ctx, `
		SELECT `+requestColumns+` FROM borrow_requests
		WHERE user_id = $1 AND book_id = $2 AND type = $3 AND status = 'pending'
	`, userID, bookID, typ)
}

func (p *PostgresRepository) FindPendingReturn(ctx context.Context, loanID uuid.UUID) (*BorrowRequest, error) {
	return p.findRequest(ctx, `
		SELECT `+requestColumns+` FROM borrow_requests
		WHERE borrow_ref = $1 AND type = 'return' AND status = 'pending'
		LIMIT 1
	`, loanID)
}

func (p *PostgresRepository) findRequest(ctx context.Context, query string, args ...any) (*BorrowRequest, error) {
	req := &BorrowRequest{}
	err := p.db.GetContext(ctx, req, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get borrow request: %w", err)
	}
	return req, nil
}

func (p *PostgresRepository) ClaimRequest(ctx context.Context, id uuid.UUID, status RequestStatus, actor uuid.UUID, at time.Time) (*BorrowRequest, error) {
	query := `
		UPDATE borrow_requests
		SET status = $2, approved_by = $3, approved_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + requestColumns
	if status == RequestRejected {
		query = `
			UPDATE borrow_requests
			SET status = $2, rejected_by = $3, rejected_at = $4, updated_at = $4
			WHERE id = $1 AND status = 'pending'
			RETURNING ` + requestColumns
	}
	req := &BorrowRequest{}
	err := p.db.GetContext(ctx, req, query, id, status, actor, at)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetRequest(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.New(apperr.KindInvalidState, "request is already %s", current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim borrow request: %w", err)
	}
	return req, nil
}

func (p *PostgresRepository) ReleaseRequest(ctx context.Context, id uuid.UUID, status RequestStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE borrow_requests
		SET status = 'pending', borrow_ref = NULL, approved_by = NULL, approved_at = NULL,
		    rejected_by = NULL, rejected_at = NULL, updated_at = $3
		WHERE id = $1 AND status = $2
	`, id, status, at)
	if err != nil {
		return fmt.Errorf("failed to release borrow request: %w", err)
	}
	return expectOne(res, apperr.New(apperr.KindInvalidState, "request %s is not %s", id, status))
}

func (p *PostgresRepository) SetBorrowRef(ctx context.Context, id, loanID uuid.UUID, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE borrow_requests SET borrow_ref = $2, updated_at = $3 WHERE id = $1
	`, id, loanID, at)
	if err != nil {
		return fmt.Errorf("failed to set borrow ref: %w", err)
	}
	return expectOne(res, requestNotFound(id))
}

func (p *PostgresRepository) ListRequests(ctx context.Context, f RequestFilter) ([]*BorrowRequest, error) {
	var where []exp.Expression
	if f.UserID != uuid.Nil {
		where = append(where, goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.Type != "" {
		where = append(where, goqu.C("type").Eq(string(f.Type)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, goqu.C("status").In(statuses))
	}
	var out []*BorrowRequest
	if err := p.selectWhere(ctx, &out, "borrow_requests", requestColumns, where); err != nil {
		return nil, fmt.Errorf("failed to list borrow requests: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) InsertLoan(ctx context.Context, l *Loan) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (:id, :user_id, :book_id, :borrow_date, :due_date, :return_date, :late_fee, :status,
			:created_at, :updated_at)
	`, l)
	if database.IsUniqueViolation(err, "loans_active_uniq") {
		return apperr.New(apperr.KindConflict, "user already borrowed this book")
	}
	if err != nil {
		return fmt.Errorf("failed to insert loan: %w", err)
	}
	return nil
}

func (p *PostgresRepository) GetLoan(ctx context.Context, id uuid.UUID) (*Loan, error) {
	l, err := p.findLoan(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id)
	if err == nil && l == nil {
		return nil, loanNotFound(id)
	}
	return l, err
}

func (p *PostgresRepository) FindActiveLoan(ctx context.Context, userID, bookID uuid.UUID) (*Loan, error) {
	return p.findLoan(ctx, `
		SELECT `+loanColumns+` FROM loans
		WHERE user_id = $1 AND book_id = $2 AND status IN ('borrowed', 'pending-return')
	`, userID, bookID)
}

func (p *PostgresRepository) findLoan(ctx context.Context, query string, args ...any) (*Loan, error) {
	l := &Loan{}
	err := p.db.GetContext(ctx, l, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return l, nil
}

func (p *PostgresRepository) TransitionLoan(ctx context.Context, id uuid.UUID, from, to LoanStatus, at time.Time) (*Loan, error) {
	return p.updateLoan(ctx, id, from, `
		UPDATE loans SET status = $3, return_date = NULL, updated_at = $4
		WHERE id = $1 AND status = $2
		RETURNING `+loanColumns, id, from, to, at)
}

func (p *PostgresRepository) CloseLoan(ctx context.Context, id uuid.UUID, returnDate time.Time, fee decimal.Decimal, at time.Time) (*Loan, error) {
	return p.updateLoan(ctx, id, LoanPendingReturn, `
		UPDATE loans SET status = 'returned', return_date = $3, late_fee = $4, updated_at = $5
		WHERE id = $1 AND status = $2
		RETURNING `+loanColumns, id, LoanPendingReturn, returnDate, fee, at)
}

func (p *PostgresRepository) updateLoan(ctx context.Context, id uuid.UUID, from LoanStatus, query string, args ...any) (*Loan, error) {
	l := &Loan{}
	err := p.db.GetContext(ctx, l, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetLoan(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperr.New(apperr.KindInvalidState, "loan is %s, not %s", current.Status, from)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update loan: %w", err)
	}
	return l, nil
}

func (p *PostgresRepository) SetLateFee(ctx context.Context, id uuid.UUID, fee decimal.Decimal, onlyIfZero bool, at time.Time) (*Loan, bool, error) {
	l := &Loan{}
	err := p.db.GetContext(ctx, l, `
		UPDATE loans SET late_fee = $2, updated_at = $3
		WHERE id = $1 AND late_fee <> $2 AND (NOT $4 OR late_fee = 0)
		RETURNING `+loanColumns, id, fee, at, onlyIfZero)
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := p.GetLoan(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to set late fee: %w", err)
	}
	return l, true, nil
}

func (p *PostgresRepository) DeleteLoan(ctx context.Context, id uuid.UUID) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM loans WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return nil
}

func (p *PostgresRepository) ListLoans(ctx context.Context, f LoanFilter) ([]*Loan, error) {
	var where []exp.Expression
	if f.UserID != uuid.Nil {
		where = append(where, goqu.C("user_id").Eq(f.UserID.String()))
	}
	if f.BookID != uuid.Nil {
		where = append(where, goqu.C("book_id").Eq(f.BookID.String()))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, goqu.C("status").In(statuses))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, goqu.C("due_date").Lt(f.DueBefore))
	}
	var out []*Loan
	if err := p.selectWhere(ctx, &out, "loans", loanColumns, where); err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return out, nil
}

func (p *PostgresRepository) selectWhere(ctx context.Context, dst any, table, columns string, where []exp.Expression) error {
	query, args, err := database.Dialect.From(table).
		Select(goqu.L(columns)).
		Where(where...).
		Order(goqu.C("created_at").Desc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return p.db.SelectContext(ctx, dst, query, args...)
}

// AcquireSlot increments the user's active count only while it is below max.
func (p *PostgresRepository) AcquireSlot(ctx context.Context, userID uuid.UUID, max int, at time.Time) error {
	var active int
	err := p.db.GetContext(ctx, &active, `
		INSERT INTO loan_quotas (user_id, active, updated_at)
		SELECT $1, 1, $3 WHERE $2 > 0
		ON CONFLICT (user_id) DO UPDATE
		SET active = loan_quotas.active + 1, updated_at = EXCLUDED.updated_at
		WHERE loan_quotas.active < $2
		RETURNING active
	`, userID, max, at)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.ErrMaxBorrowsExceeded
	}
	if err != nil {
		return fmt.Errorf("failed to acquire borrower slot: %w", err)
	}
	return nil
}

func (p *PostgresRepository) ReleaseSlot(ctx context.Context, userID uuid.UUID, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE loan_quotas SET active = active - 1, updated_at = $2
		WHERE user_id = $1 AND active > 0
	`, userID, at)
	if err != nil {
		return fmt.Errorf("failed to release borrower slot: %w", err)
	}
	return nil
}

func expectOne(res sql.Result, otherwise error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return otherwise
	}
	return nil
}
