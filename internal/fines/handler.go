package fines

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/httpx"
)

// SignatureHeader carries the gateway's webhook signature.
const SignatureHeader = "X-Razorpay-Signature"

const maxWebhookBytes = 1 << 20

type Handler struct {
	service Service
	keyID   string
	resp    httpx.Responder
}

// NewHandler returns the payment handlers. keyID is handed to checkout
// clients alongside new orders.
func NewHandler(service Service, keyID string, resp httpx.Responder) *Handler {
	return &Handler{service: service, keyID: keyID, resp: resp}
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var body struct {
		LoanID  uuid.UUID `json:"borrow_id"`
		Purpose Purpose   `json:"purpose"`
		// Amount is accepted for older clients and ignored.
		Amount any `json:"amount"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if body.LoanID == uuid.Nil {
		h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "borrow_id must be provided"))
		return
	}
	if body.Purpose == "" {
		body.Purpose = PurposeFine
	}

	p, err := h.service.CreateOrder(r.Context(), id, body.LoanID, body.Purpose)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{
		"order":      httpx.Envelope{"id": p.ExternalOrderID, "amount": p.Amount, "currency": p.Currency},
		"key":        h.keyID,
		"payment_id": p.ID,
	})
}

func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirmation
		// Legacy checkout clients also send our payment id; the order id
		// already identifies the payment.
		Legacy string `json:"paymentId"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	p, err := h.service.VerifyPayment(r.Context(), body.Confirmation)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"payment": p, "message": "payment verified successfully"})
}

// HandleWebhook verifies the signature over the raw body bytes.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		h.resp.Error(w, r, apperr.Wrap(apperr.KindInvalid, err, "failed to read webhook body"))
		return
	}
	if err := h.service.HandleWebhook(r.Context(), body, r.Header.Get(SignatureHeader)); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"status": "ok"})
}

func (h *Handler) HandleMine(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	list, err := h.service.ListMine(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"payments": list})
}

// HandleList accepts optional user_id, loan_id and status query parameters.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f Filter
	for key, dst := range map[string]*uuid.UUID{"user_id": &f.UserID, "loan_id": &f.LoanID} {
		if v := q.Get(key); v != "" {
			parsed, err := uuid.Parse(v)
			if err != nil {
				h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "invalid %s", key))
				return
			}
			*dst = parsed
		}
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			f.Statuses = append(f.Statuses, Status(strings.TrimSpace(s)))
		}
	}
	list, err := h.service.List(r.Context(), f)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"payments": list})
}
