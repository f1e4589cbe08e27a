package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/database"
)

type PostgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, n *Notification) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO notifications (id, user_id, reference_id, kind, title, message, is_read, cleared, created_at, updated_at)
		VALUES (:id, :user_id, :reference_id, :kind, :title, :message, :is_read, :cleared, :created_at, :updated_at)
	`, n)
	if err != nil {
		if database.IsUniqueViolation(err, "notifications_once_uniq") {
			return apperr.New(apperr.KindConflict, "notification already sent")
		}
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Exists(ctx context.Context, userID, referenceID uuid.UUID, kind Kind) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (SELECT 1 FROM notifications WHERE user_id = $1 AND reference_id = $2 AND kind = $3)
	`, userID, referenceID, kind)
	if err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Notification, error) {
	var out []*Notification
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, user_id, reference_id, kind, title, message, is_read, cleared, created_at, updated_at
		FROM notifications
		WHERE user_id = $1 AND NOT cleared
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) MarkRead(ctx context.Context, userID, id uuid.UUID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, updated_at = $3
		WHERE id = $1 AND user_id = $2 AND NOT cleared
	`, id, userID, at)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "notification not found")
	}
	return nil
}

func (r *PostgresRepository) MarkAllRead(ctx context.Context, userID uuid.UUID, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET is_read = TRUE, updated_at = $2
		WHERE user_id = $1 AND NOT is_read AND NOT cleared
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *PostgresRepository) Clear(ctx context.Context, userID uuid.UUID, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE notifications SET cleared = TRUE, updated_at = $2
		WHERE user_id = $1 AND NOT cleared
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("failed to clear notifications: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
