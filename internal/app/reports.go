package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/httpx"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/members"
)

// OverdueEntry is one row of the overdue report: the loan joined with the
// book title and borrower details.
type OverdueEntry struct {
	LoanID      uuid.UUID       `json:"loan_id"`
	BookID      uuid.UUID       `json:"book_id"`
	BookTitle   string          `json:"book_title"`
	UserID      uuid.UUID       `json:"user_id"`
	MemberName  string          `json:"member_name,omitempty"`
	MemberEmail string          `json:"member_email,omitempty"`
	DueDate     time.Time       `json:"due_date"`
	DaysOverdue int             `json:"days_overdue"`
	AccruedFee  decimal.Decimal `json:"accrued_fee"`
	RecordedFee decimal.Decimal `json:"recorded_fee"`
}

type reports struct {
	lending borrowing.Service
	books   inventory.Service
	members members.Service
	policy  fines.Policy
	clock   clock.Clock
	resp    httpx.Responder
}

func (h *reports) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	entries, err := h.overdue(r.Context())
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"overdue": entries, "count": len(entries)})
}

func (h *reports) overdue(ctx context.Context) ([]OverdueEntry, error) {
	now := h.clock.Now()
	loans, err := h.lending.ListOverdue(ctx, now)
	if err != nil {
		return nil, err
	}

	titles := make(map[uuid.UUID]string)
	people := make(map[uuid.UUID]*members.Member)
	entries := make([]OverdueEntry, 0, len(loans))
	for _, loan := range loans {
		title, ok := titles[loan.BookID]
		if !ok {
			book, err := h.books.GetBook(ctx, loan.BookID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			if book != nil {
				title = book.Title
			}
			titles[loan.BookID] = title
		}

		m, ok := people[loan.UserID]
		if !ok {
			// desk checkouts may lend to borrowers without an account
			m, err = h.members.GetMember(ctx, loan.UserID)
			if err != nil && !errors.Is(err, apperr.ErrNotFound) {
				return nil, err
			}
			people[loan.UserID] = m
		}

		e := OverdueEntry{
			LoanID:      loan.ID,
			BookID:      loan.BookID,
			BookTitle:   title,
			UserID:      loan.UserID,
			DueDate:     loan.DueDate,
			DaysOverdue: int(now.Sub(loan.DueDate) / (24 * time.Hour)),
			AccruedFee:  h.policy.Assess(loan.DueDate, now),
			RecordedFee: loan.LateFee,
		}
		if m != nil {
			e.MemberName, e.MemberEmail = m.Name, m.Email
		}
		entries = append(entries, e)
	}
	return entries, nil
}
