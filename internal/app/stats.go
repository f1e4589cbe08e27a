package app

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/httpx"
	"github.com/jules-labs/libralend/internal/reservation"
	"github.com/jules-labs/libralend/internal/reviews"
)

// MemberStats summarises a member's activity for their dashboard.
type MemberStats struct {
	ActiveBorrows  int `json:"active_borrows"`
	BorrowRequests int `json:"borrow_requests"`
	Reservations   int `json:"reservations"`
	Overdues       int `json:"overdues"`
	Reviews        int `json:"reviews"`
	ReturnedBooks  int `json:"returned_books"`
}

type stats struct {
	lending borrowing.Service
	queue   reservation.Service
	reviews reviews.Service
	clock   clock.Clock
	resp    httpx.Responder
}

func (h *stats) HandleMine(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	s, err := h.collect(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"stats": s})
}

func (h *stats) collect(ctx context.Context, userID uuid.UUID) (MemberStats, error) {
	var s MemberStats
	now := h.clock.Now()
	g, ctx := errgroup.WithContext(ctx)

	loans := func(dst *int, f borrowing.LoanFilter) {
		f.UserID = userID
		g.Go(func() error {
			list, err := h.lending.ListLoans(ctx, f)
			*dst = len(list)
			return err
		})
	}
	loans(&s.ActiveBorrows, borrowing.LoanFilter{Statuses: []borrowing.LoanStatus{borrowing.LoanBorrowed}})
	loans(&s.Overdues, borrowing.LoanFilter{Statuses: []borrowing.LoanStatus{borrowing.LoanBorrowed}, DueBefore: now})
	loans(&s.ReturnedBooks, borrowing.LoanFilter{Statuses: []borrowing.LoanStatus{borrowing.LoanReturned}})

	g.Go(func() error {
		list, err := h.lending.ListRequests(ctx, borrowing.RequestFilter{
			UserID: userID, Statuses: []borrowing.RequestStatus{borrowing.RequestPending},
		})
		s.BorrowRequests = len(list)
		return err
	})
	g.Go(func() error {
		list, err := h.queue.ListMine(ctx, userID)
		s.Reservations = len(list)
		return err
	})
	g.Go(func() error {
		list, err := h.reviews.ListMine(ctx, userID)
		s.Reviews = len(list)
		return err
	})

	if err := g.Wait(); err != nil {
		return MemberStats{}, err
	}
	return s, nil
}
