package reservation

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/httpx"
)

type Handler struct {
	service Service
	resp    httpx.Responder
}

func NewHandler(service Service, resp httpx.Responder) *Handler {
	return &Handler{service: service, resp: resp}
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	bookID, err := httpx.UUIDParam(r, "bookID")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	res, err := h.service.Reserve(r.Context(), id.UserID, bookID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	message := "book reserved successfully"
	if res.Status == StatusNotified {
		message = "book is available, borrow it before the window closes"
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"reservation": res, "message": message})
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	list, err := h.service.ListMine(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reservations": list})
}

// HandleList accepts optional user_id, book_id and status (comma separated)
// query parameters.
func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f Filter
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
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reservations": list})
}
