package borrowing

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/clock"
	"github.com/jules-labs/libralend/internal/httpx"
)

type Handler struct {
	service Service
	clock   clock.Clock
	resp    httpx.Responder
}

func NewHandler(service Service, clk clock.Clock, resp httpx.Responder) *Handler {
	return &Handler{service: service, clock: clk, resp: resp}
}

func (h *Handler) HandleRequestBorrow(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body struct {
		BookID uuid.UUID `json:"book_id"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if body.BookID == uuid.Nil {
		h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "book_id must be provided"))
		return
	}
	req, created, err := h.service.RequestBorrow(r.Context(), id.UserID, body.BookID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if !created {
		h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"request": req, "message": "borrow request already sent"})
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"request": req, "message": "borrow request sent"})
}

func (h *Handler) HandleRequestReturn(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body struct {
		LoanID uuid.UUID `json:"loan_id"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if body.LoanID == uuid.Nil {
		h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "loan_id must be provided"))
		return
	}
	req, created, err := h.service.RequestReturn(r.Context(), id, body.LoanID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if !created {
		h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"request": req, "message": "return request already pending"})
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"request": req, "message": "return request submitted"})
}

func (h *Handler) HandleMyRequests(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	f := requestFilter(r)
	f.UserID = id.UserID
	h.listRequests(w, r, f)
}

func (h *Handler) HandleListRequests(w http.ResponseWriter, r *http.Request) {
	f := requestFilter(r)
	if v := r.URL.Query().Get("user_id"); v != "" {
		userID, err := uuid.Parse(v)
		if err != nil {
			h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "invalid user_id"))
			return
		}
		f.UserID = userID
	}
	h.listRequests(w, r, f)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request, f RequestFilter) {
	list, err := h.service.ListRequests(r.Context(), f)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"requests": list})
}

func requestFilter(r *http.Request) RequestFilter {
	q := r.URL.Query()
	f := RequestFilter{Type: RequestType(q.Get("type"))}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, RequestStatus(s))
	}
	return f
}

func (h *Handler) HandleApproveBorrow(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	requestID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	loan, err := h.service.ApproveBorrow(r.Context(), id, requestID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"loan": loan, "message": "borrow approved"})
}

func (h *Handler) HandleApproveReturn(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	requestID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	loan, err := h.service.ApproveReturn(r.Context(), id, requestID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"loan": loan, "fine": loan.LateFee, "message": "return approved"})
}

func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	requestID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	req, err := h.service.Reject(r.Context(), id, requestID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"request": req, "message": "request rejected"})
}

func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body struct {
		UserID    uuid.UUID `json:"user_id"`
		BookID    uuid.UUID `json:"book_id"`
		RequestID uuid.UUID `json:"borrow_request_id"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if body.UserID == uuid.Nil || body.BookID == uuid.Nil {
		h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "user_id and book_id are required"))
		return
	}
	loan, err := h.service.Checkout(r.Context(), id, body.UserID, body.BookID, body.RequestID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"loan": loan, "message": "checkout successful"})
}

func (h *Handler) HandleMyLoans(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	h.listLoans(w, r, LoanFilter{UserID: id.UserID, Statuses: ActiveLoanStatuses})
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	h.listLoans(w, r, LoanFilter{UserID: id.UserID, Statuses: []LoanStatus{LoanReturned}})
}

func (h *Handler) HandleListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f LoanFilter
	for key, dst := range map[string]*uuid.UUID{"user_id": &f.UserID, "book_id": &f.BookID} {
		if v := q.Get(key); v != "" {
			parsed, err := uuid.Parse(v)
			if err != nil {
				h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "invalid %s", key))
				return
			}
			*dst = parsed
		}
	}
	for _, s := range splitList(q.Get("status")) {
		f.Statuses = append(f.Statuses, LoanStatus(s))
	}
	h.listLoans(w, r, f)
}

func (h *Handler) HandleOverdue(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.ListOverdue(r.Context(), h.clock.Now())
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"loans": loans, "count": len(loans)})
}

func (h *Handler) listLoans(w http.ResponseWriter, r *http.Request, f LoanFilter) {
	loans, err := h.service.ListLoans(r.Context(), f)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"loans": loans})
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
