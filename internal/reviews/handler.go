package reviews

import (
	"net/http"
	"strconv"

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

func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req NewReview
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	review, err := h.service.Add(r.Context(), id.UserID, req)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"review": review, "message": "review submitted for approval"})
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	list, err := h.service.ListMine(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reviews": list})
}

// HandleList accepts optional user_id, book_id and approved query parameters.
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
	if v := q.Get("approved"); v != "" {
		approved, err := strconv.ParseBool(v)
		if err != nil {
			h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "invalid approved"))
			return
		}
		f.Approved = &approved
	}

	list, err := h.service.List(r.Context(), f)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reviews": list})
}

func (h *Handler) HandleListApproved(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListApproved(r.Context(), uuid.Nil)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reviews": list})
}

func (h *Handler) HandleBookReviews(w http.ResponseWriter, r *http.Request) {
	bookID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	list, err := h.service.ListApproved(r.Context(), bookID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"reviews": list})
}

func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	review, err := h.service.Approve(r.Context(), id)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"review": review})
}

func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"message": "review removed"})
}
