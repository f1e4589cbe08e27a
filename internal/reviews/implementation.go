package reviews

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
)

// Catalogue is the part of the inventory that reviews read and rate.
type Catalogue interface {
	GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
	SetRating(ctx context.Context, id uuid.UUID, average decimal.Decimal, count int) (*inventory.Book, error)
}

// service implements the Service interface.
type service struct {
	repo    Repository
	books   Catalogue
	journal journal.Recorder
	clock   clock.Clock
	logger  zerolog.Logger

	// serializes tally-and-store so a slower refresh cannot overwrite a newer one
	rating sync.Mutex
}

// NewService creates a new review service instance.
func NewService(repo Repository, books Catalogue, j journal.Recorder, clk clock.Clock, logger zerolog.Logger) Service {
	return &service{
		repo:    repo,
		books:   books,
		journal: j,
		clock:   clk,
		logger:  logger.With().Str("component", "reviews").Logger(),
	}
}

func (s *service) Add(ctx context.Context, userID uuid.UUID, in NewReview) (*Review, error) {
	in.Comment = strings.TrimSpace(in.Comment)
	switch {
	case in.Rating < MinRating || in.Rating > MaxRating:
		return nil, apperr.New(apperr.KindInvalid, "rating must be between %d and %d", MinRating, MaxRating)
	case len(in.Comment) > maxCommentLength:
		return nil, apperr.New(apperr.KindInvalid, "comment must not exceed %d bytes", maxCommentLength)
	}
	if _, err := s.books.GetBook(ctx, in.BookID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &Review{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    in.BookID,
		Rating:    in.Rating,
		Comment:   in.Comment,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, r); err != nil {
		return nil, err
	}
	s.record(ctx, r, EventReviewAdded)
	return r, nil
}

func (s *service) Approve(ctx context.Context, id uuid.UUID) (*Review, error) {
	r, changed, err := s.repo.Approve(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return r, nil
	}
	s.record(ctx, r, EventReviewApproved)
	if err := s.refreshRating(ctx, r.BookID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *service) Delete(ctx context.Context, id uuid.UUID) error {
	r, err := s.repo.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.record(ctx, r, EventReviewDeleted)
	if !r.Approved {
		return nil
	}
	return s.refreshRating(ctx, r.BookID)
}

func (s *service) ListMine(ctx context.Context, userID uuid.UUID) ([]*Review, error) {
	return s.repo.List(ctx, Filter{UserID: userID})
}

func (s *service) List(ctx context.Context, f Filter) ([]*Review, error) {
	return s.repo.List(ctx, f)
}

func (s *service) ListApproved(ctx context.Context, bookID uuid.UUID) ([]*Review, error) {
	approved := true
	return s.repo.List(ctx, Filter{BookID: bookID, Approved: &approved})
}

// refreshRating recomputes the book's average over its approved reviews.
func (s *service) refreshRating(ctx context.Context, bookID uuid.UUID) error {
	s.rating.Lock()
	defer s.rating.Unlock()

	count, sum, err := s.repo.Tally(ctx, bookID)
	if err != nil {
		return err
	}
	average := decimal.Zero
	if count > 0 {
		average = decimal.NewFromInt(int64(sum)).DivRound(decimal.NewFromInt(int64(count)), 2)
	}
	if _, err := s.books.SetRating(ctx, bookID, average, count); err != nil {
		return fmt.Errorf("failed to update book rating: %w", err)
	}
	s.logger.Debug().Str("book_id", bookID.String()).Str("average", average.String()).Int("count", count).Msg("book rating refreshed")
	return nil
}

func (s *service) record(ctx context.Context, r *Review, eventType string) {
	if err := s.journal.Record(ctx, r.ID, "review", eventType, eventOf(r)); err != nil {
		s.logger.Warn().Err(err).Str("review_id", r.ID.String()).Str("event", eventType).Msg("failed to journal review event")
	}
}
