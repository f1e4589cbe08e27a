package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jules-labs/libralend/internal/database"
)

// PostgresStore persists entries in the journal table.
type PostgresStore struct {
	db     *sqlx.DB
	tracer trace.Tracer
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{
		db:     db,
		tracer: otel.Tracer("libralend/journal"),
	}
}

// Append atomically appends entries with optimistic concurrency control.
func (s *PostgresStore) Append(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, entries []Entry) error {
	ctx, span := s.tracer.Start(ctx, "journal.append",
		trace.WithAttributes(
			attribute.String("aggregate.id", aggregateID.String()),
			attribute.String("aggregate.type", aggregateType),
			attribute.Int("expected.version", expectedVersion),
			attribute.Int("entry.count", len(entries)),
		),
	)
	defer span.End()

	if expectedVersion < 0 {
		return ErrInvalidVersion
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int
	err = tx.GetContext(ctx, &current, `SELECT COALESCE(MAX(version), 0) FROM journal WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return fmt.Errorf("query current version: %w", err)
	}
	if current != expectedVersion {
		span.SetAttributes(
			attribute.Int("actual.version", current),
			attribute.Bool("conflict.detected", true),
		)
		return ErrConcurrencyConflict
	}

	for i, entry := range entries {
		version := expectedVersion + i + 1
		var id int64
		err = tx.GetContext(ctx, &id, `
			INSERT INTO journal (aggregate_id, aggregate_type, event_type, payload, version, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`, aggregateID, aggregateType, entry.EventType, []byte(entry.Payload), version, time.Now().UTC())
		if err != nil {
			if database.IsUniqueViolation(err) {
				return ErrConcurrencyConflict
			}
			return fmt.Errorf("insert entry %d: %w", i, err)
		}
		span.AddEvent("entry.appended", trace.WithAttributes(
			attribute.Int64("entry.id", id),
			attribute.Int("entry.version", version),
			attribute.String("entry.type", entry.EventType),
		))
	}

	if err := tx.Commit(); err != nil {
		if database.IsUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID uuid.UUID) ([]Entry, error) {
	ctx, span := s.tracer.Start(ctx, "journal.load",
		trace.WithAttributes(attribute.String("aggregate.id", aggregateID.String())),
	)
	defer span.End()

	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, aggregate_id, aggregate_type, event_type, payload, version, created_at
		FROM journal
		WHERE aggregate_id = $1
		ORDER BY version ASC
	`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	span.SetAttributes(attribute.Int("entries.loaded", len(entries)))
	return entries, nil
}

func (s *PostgresStore) Version(ctx context.Context, aggregateID uuid.UUID) (int, error) {
	var version int
	err := s.db.GetContext(ctx, &version, `SELECT COALESCE(MAX(version), 0) FROM journal WHERE aggregate_id = $1`, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("query version: %w", err)
	}
	return version, nil
}
