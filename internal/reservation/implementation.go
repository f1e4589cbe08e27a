package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/notify"
)

// BookReader is the part of the inventory ledger the queue consults.
type BookReader interface {
	GetBook(ctx context.Context, id uuid.UUID) (*inventory.Book, error)
}

// service implements the Service interface.
type service struct {
	repo    Repository
	books   BookReader
	notify  notify.Sender
	journal journal.Recorder
	clock   clock.Clock
	window  time.Duration
	logger  zerolog.Logger
}

// NewService creates a reservation queue whose priority windows last window.
func NewService(repo Repository, books BookReader, sender notify.Sender, j journal.Recorder,
	clk clock.Clock, window time.Duration, logger zerolog.Logger) Service {
	return &service{
		repo:    repo,
		books:   books,
		notify:  sender,
		journal: j,
		clock:   clk,
		window:  window,
		logger:  logger.With().Str("component", "reservation").Logger(),
	}
}

func (s *service) Reserve(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error) {
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	existing, err := s.repo.FindByUserBook(ctx, userID, bookID, OpenStatuses...)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ErrAlreadyReserved
	}
	active, err := s.repo.CountActive(ctx, bookID)
	if err != nil {
		return nil, err
	}
	waiting, err := s.repo.CountPending(ctx, bookID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &Reservation{
		ID:        uuid.New(),
		UserID:    userID,
		BookID:    bookID,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	// a newcomer never overtakes the queue
	if waiting == 0 && book.AvailableCopies > active {
		expires := now.Add(s.window)
		r.Status = StatusNotified
		r.ExpiresAt = &expires
	}
	if err := s.repo.Insert(ctx, r); err != nil {
		return nil, err
	}

	s.record(ctx, r, EventReserved)
	if r.Status == StatusNotified {
		s.sendReady(ctx, r, book.Title)
	} else {
		s.notify.Send(ctx, notify.Message{
			UserID:      userID,
			Kind:        notify.KindReservationQueued,
			ReferenceID: r.ID,
			Title:       "Reservation queued",
			Body:        fmt.Sprintf("You are in the queue for %q. We will tell you when a copy is free.", book.Title),
		})
	}
	return r, nil
}

func (s *service) PromoteNext(ctx context.Context, bookID uuid.UUID) (*Reservation, error) {
	book, err := s.books.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book.AvailableCopies <= 0 {
		return nil, nil
	}
	now := s.clock.Now()
	r, err := s.repo.PromoteOldest(ctx, bookID, book.AvailableCopies, now.Add(s.window), now)
	if err != nil || r == nil {
		return nil, err
	}

	s.logger.Info().Str("reservation_id", r.ID.String()).Str("book_id", bookID.String()).Msg("reservation promoted")
	s.record(ctx, r, EventPromoted)
	s.sendReady(ctx, r, book.Title)
	return r, nil
}

func (s *service) PromoteWaiting(ctx context.Context, bookID uuid.UUID) (int, error) {
	promoted := 0
	for {
		r, err := s.PromoteNext(ctx, bookID)
		if err != nil {
			return promoted, err
		}
		if r == nil {
			return promoted, nil
		}
		promoted++
	}
}

func (s *service) ExpireDue(ctx context.Context, now time.Time) (ExpirySummary, error) {
	var summary ExpirySummary
	due, err := s.repo.ListExpired(ctx, now)
	if err != nil {
		return summary, err
	}

	for _, r := range due {
		expired, err := s.repo.Transition(ctx, r.ID, StatusNotified, StatusExpired, r.ExpiresAt, now)
		if apperr.IsStale(err) {
			// borrowed or completed meanwhile
			continue
		}
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).Str("reservation_id", r.ID.String()).Msg("failed to expire reservation")
			continue
		}
		summary.Expired++
		s.record(ctx, expired, EventExpired)
		s.notify.Send(ctx, notify.Message{
			UserID:      r.UserID,
			Kind:        notify.KindReservationExpired,
			ReferenceID: r.ID,
			Title:       "Reservation expired",
			Body:        "Your priority window closed before the book was borrowed.",
		})

		next, err := s.PromoteNext(ctx, r.BookID)
		if err != nil {
			summary.Failed++
			s.logger.Error().Err(err).Str("book_id", r.BookID.String()).Msg("failed to promote after expiry")
			continue
		}
		if next != nil {
			summary.Promoted++
		}
	}
	return summary, nil
}

func (s *service) CheckPriority(ctx context.Context, userID, bookID uuid.UUID) error {
	blocking, err := s.repo.FindBlocking(ctx, bookID, userID, s.clock.Now())
	if err != nil {
		return err
	}
	if blocking != nil {
		return apperr.New(apperr.KindConflict, "book is reserved by another user until %s",
			blocking.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (s *service) StartBorrow(ctx context.Context, userID, bookID uuid.UUID) (*Reservation, error) {
	own, err := s.repo.FindByUserBook(ctx, userID, bookID, StatusNotified)
	if err != nil || own == nil {
		return nil, err
	}
	r, err := s.repo.Transition(ctx, own.ID, StatusNotified, StatusInProgress, nil, s.clock.Now())
	if apperr.IsStale(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.record(ctx, r, EventInProgress)
	return r, nil
}

func (s *service) Complete(ctx context.Context, userID, bookID uuid.UUID) (int, error) {
	n, err := s.repo.CompleteForUser(ctx, userID, bookID, s.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug().Str("user_id", userID.String()).Str("book_id", bookID.String()).Int("count", n).Msg("reservations completed")
	}
	return n, nil
}

func (s *service) Release(ctx context.Context, userID, bookID uuid.UUID) error {
	own, err := s.repo.FindByUserBook(ctx, userID, bookID, StatusInProgress)
	if err != nil || own == nil {
		return err
	}
	r, err := s.repo.Transition(ctx, own.ID, StatusInProgress, StatusExpired, nil, s.clock.Now())
	if apperr.IsStale(err) {
		return nil
	}
	if err != nil {
		return err
	}
	s.record(ctx, r, EventReleased)
	_, err = s.PromoteNext(ctx, bookID)
	return err
}

func (s *service) ListMine(ctx context.Context, userID uuid.UUID) ([]*Reservation, error) {
	return s.repo.List(ctx, Filter{UserID: userID})
}

func (s *service) List(ctx context.Context, f Filter) ([]*Reservation, error) {
	return s.repo.List(ctx, f)
}

func (s *service) sendReady(ctx context.Context, r *Reservation, title string) {
	s.notify.Send(ctx, notify.Message{
		UserID:      r.UserID,
		Kind:        notify.KindReservationReady,
		ReferenceID: r.ID,
		Title:       "Reserved book available",
		Body: fmt.Sprintf("%q is available for you until %s. Request it before the window closes.",
			title, r.ExpiresAt.Format(time.Kitchen)),
	})
}

func (s *service) record(ctx context.Context, r *Reservation, eventType string) {
	if err := s.journal.Record(ctx, r.ID, "reservation", eventType, eventOf(r)); err != nil {
		s.logger.Warn().Err(err).Str("reservation_id", r.ID.String()).Str("event", eventType).Msg("failed to journal reservation event")
	}
}
