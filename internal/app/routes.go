package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/borrowing"
	"github.com/jules-labs/libralend/internal/fines"
	"github.com/jules-labs/libralend/internal/httpx"
	"github.com/jules-labs/libralend/internal/inventory"
	"github.com/jules-labs/libralend/internal/journal"
	"github.com/jules-labs/libralend/internal/members"
	"github.com/jules-labs/libralend/internal/notify"
	"github.com/jules-labs/libralend/internal/reservation"
	"github.com/jules-labs/libralend/internal/reviews"
)

type handlers struct {
	resp    httpx.Responder
	gate    *auth.Gate
	limiter *httpx.RateLimiter

	books   *inventory.Handler
	queue   *reservation.Handler
	lending *borrowing.Handler
	fines   *fines.Handler
	notes   *notify.Handler
	members *members.Handler
	reviews *reviews.Handler
	reports *reports
	stats   *stats
	audit   *journal.Handler
}

func routes(h handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.resp.RecoverPanic)
	r.Use(h.resp.AccessLog)
	r.Use(h.limiter.Middleware)
	r.NotFound(h.resp.NotFound)
	r.MethodNotAllowed(h.resp.MethodNotAllowed)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"status": "available"})
	})

	staff := h.gate.RequireRole(auth.RoleLibrarian, auth.RoleAdmin)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/register", h.members.HandleRegister)
		r.Post("/auth/login", h.members.HandleLogin)
		r.Post("/payments/webhook", h.fines.HandleWebhook)

		r.Get("/books", h.books.HandleList)
		r.Get("/books/search", h.books.HandleSearch)
		r.Get("/books/{id}", h.books.HandleGet)
		r.Get("/books/{id}/reviews", h.reviews.HandleBookReviews)
		r.Get("/reviews/approved", h.reviews.HandleListApproved)

		r.Group(func(r chi.Router) {
			r.Use(h.gate.Authenticate)

			r.Get("/members/me", h.members.HandleMe)
			r.Get("/members/me/stats", h.stats.HandleMine)

			r.Post("/reviews", h.reviews.HandleAdd)
			r.Get("/reviews/my", h.reviews.HandleListMine)

			r.Post("/reservations/{bookID}", h.queue.HandleReserve)
			r.Get("/reservations/my", h.queue.HandleListMine)

			r.Post("/borrow-requests/borrow", h.lending.HandleRequestBorrow)
			r.Post("/borrow-requests/return", h.lending.HandleRequestReturn)
			r.Get("/borrow-requests/my", h.lending.HandleMyRequests)

			r.Get("/loans/my", h.lending.HandleMyLoans)
			r.Get("/loans/history", h.lending.HandleHistory)

			r.Post("/payments/orders", h.fines.HandleCreateOrder)
			r.Post("/payments/verify", h.fines.HandleVerify)
			r.Get("/payments/my", h.fines.HandleMine)

			r.Get("/notifications", h.notes.HandleList)
			r.Put("/notifications/{id}/read", h.notes.HandleMarkRead)
			r.Patch("/notifications/read-all", h.notes.HandleMarkAllRead)
			r.Delete("/notifications", h.notes.HandleClear)
			r.Get("/notifications/ws", h.notes.HandleStream)

			r.Group(func(r chi.Router) {
				r.Use(staff)

				r.Post("/books", h.books.HandleAdd)
				r.Patch("/books/{id}/copies", h.books.HandleUpdateCopies)

				r.Get("/reservations", h.queue.HandleList)

				r.Get("/borrow-requests", h.lending.HandleListRequests)
				r.Put("/borrow-requests/{id}/approve-borrow", h.lending.HandleApproveBorrow)
				r.Put("/borrow-requests/{id}/approve-return", h.lending.HandleApproveReturn)
				r.Put("/borrow-requests/{id}/reject", h.lending.HandleReject)

				r.Get("/loans", h.lending.HandleListLoans)
				r.Post("/loans/checkout", h.lending.HandleCheckout)
				r.Get("/loans/overdue", h.lending.HandleOverdue)

				r.Get("/payments", h.fines.HandleList)
				r.Get("/reports/overdue", h.reports.HandleOverdue)

				r.Get("/books/{id}/journal", h.audit.HandleHistory("book"))
				r.Get("/reservations/{id}/journal", h.audit.HandleHistory("reservation"))
				r.Get("/borrow-requests/{id}/journal", h.audit.HandleHistory("borrow_request"))
				r.Get("/loans/{id}/journal", h.audit.HandleHistory("loan"))
				r.Get("/payments/{id}/journal", h.audit.HandleHistory("payment"))
				r.Get("/reviews/{id}/journal", h.audit.HandleHistory("review"))
			})

			r.Group(func(r chi.Router) {
				r.Use(h.gate.RequireRole(auth.RoleAdmin))

				r.Get("/members", h.members.HandleList)
				r.Put("/members/{id}/role", h.members.HandleSetRole)

				r.Get("/reviews", h.reviews.HandleList)
				r.Put("/reviews/{id}/approve", h.reviews.HandleApprove)
				r.Delete("/reviews/{id}", h.reviews.HandleDelete)
			})
		})
	})
	return r
}
