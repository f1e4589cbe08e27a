package inventory

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
	"github.com/jules-labs/libralend/internal/journal"
)

// service implements the Service interface.
type service struct {
	repo    Repository
	journal journal.Recorder
	clock   clock.Clock
	logger  zerolog.Logger

	mu        sync.RWMutex
	listeners []RestockListener
}

// NewService creates a new inventory service instance.
func NewService(repo Repository, j journal.Recorder, clk clock.Clock, logger zerolog.Logger) Service {
	return &service{
		repo:    repo,
		journal: j,
		clock:   clk,
		logger:  logger.With().Str("component", "inventory").Logger(),
	}
}

func (s *service) OnRestock(fn RestockListener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// AddBook creates a new title with all copies available.
func (s *service) AddBook(ctx context.Context, in NewBook) (*Book, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.ISBN = strings.TrimSpace(in.ISBN)
	switch {
	case in.Title == "":
		return nil, apperr.New(apperr.KindInvalid, "title must be provided")
	case in.ISBN == "":
		return nil, apperr.New(apperr.KindInvalid, "isbn must be provided")
	case in.TotalCopies < 0:
		return nil, apperr.New(apperr.KindInvalid, "total_copies must not be negative")
	}

	now := s.clock.Now()
	book := &Book{
		ID:                 uuid.New(),
		ISBN:               in.ISBN,
		Title:              in.Title,
		Author:             strings.TrimSpace(in.Author),
		Genre:              strings.TrimSpace(in.Genre),
		PublicationYear:    in.PublicationYear,
		TotalCopies:        in.TotalCopies,
		AvailableCopies:    in.TotalCopies,
		AvailabilityStatus: statusFor(in.TotalCopies),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.repo.Insert(ctx, book); err != nil {
		return nil, fmt.Errorf("failed to add book: %w", err)
	}

	s.record(ctx, book.ID, EventBookAdded, in)
	return book, nil
}

func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.repo.Get(ctx, id)
}

func (s *service) ListBooks(ctx context.Context) ([]*Book, error) {
	return s.repo.List(ctx)
}

func (s *service) SearchBooks(ctx context.Context, query string) ([]*Book, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.New(apperr.KindInvalid, "missing search query")
	}
	return s.repo.Search(ctx, query)
}

func (s *service) DecrementAvailable(ctx context.Context, id uuid.UUID) (*Book, error) {
	book, err := s.repo.Decrement(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, EventCopyCheckedOut, copiesChangedEvent{book.TotalCopies, book.AvailableCopies})
	return book, nil
}

func (s *service) IncrementAvailable(ctx context.Context, id uuid.UUID) (*Book, error) {
	book, before, err := s.repo.Increment(ctx, id, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, EventCopyReturned, copiesChangedEvent{book.TotalCopies, book.AvailableCopies})
	s.restocked(ctx, id, before, book.AvailableCopies)
	return book, nil
}

func (s *service) UpdateTotalCopies(ctx context.Context, id uuid.UUID, total int) (*Book, error) {
	if total < 0 {
		return nil, apperr.New(apperr.KindInvalid, "total_copies must not be negative")
	}
	book, before, err := s.repo.SetTotal(ctx, id, total, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, EventCopiesChanged, copiesChangedEvent{book.TotalCopies, book.AvailableCopies})
	s.restocked(ctx, id, before, book.AvailableCopies)
	return book, nil
}

func (s *service) SetRating(ctx context.Context, id uuid.UUID, average decimal.Decimal, count int) (*Book, error) {
	if count < 0 || average.IsNegative() {
		return nil, apperr.New(apperr.KindInvalid, "rating aggregate must not be negative")
	}
	book, err := s.repo.SetRating(ctx, id, average.Round(2), count, s.clock.Now())
	if err != nil {
		return nil, err
	}
	s.record(ctx, id, EventRatingChanged, ratingChangedEvent{book.AverageRating, book.ReviewCount})
	return book, nil
}

func (s *service) restocked(ctx context.Context, id uuid.UUID, before, after int) {
	if after <= 0 || after <= before {
		return
	}
	s.mu.RLock()
	listeners := append([]RestockListener(nil), s.listeners...)
	s.mu.RUnlock()

	s.logger.Debug().Str("book_id", id.String()).Int("available", after).Msg("book restocked")
	for _, fn := range listeners {
		fn(ctx, id)
	}
}

func (s *service) record(ctx context.Context, id uuid.UUID, eventType string, payload any) {
	if err := s.journal.Record(ctx, id, "book", eventType, payload); err != nil {
		s.logger.Warn().Err(err).Str("book_id", id.String()).Str("event", eventType).Msg("failed to journal book event")
	}
}
