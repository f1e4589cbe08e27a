package inventory

import (
	"net/http"

	"github.com/jules-labs/libralend/internal/httpx"
)

type Handler struct {
	service Service
	resp    httpx.Responder
}

func NewHandler(service Service, resp httpx.Responder) *Handler {
	return &Handler{service: service, resp: resp}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.ListBooks(r.Context())
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"books": books})
}

func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	books, err := h.service.SearchBooks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"books": books})
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	book, err := h.service.GetBook(r.Context(), id)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"book": book})
}

func (h *Handler) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var req NewBook
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	book, err := h.service.AddBook(r.Context(), req)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusCreated, httpx.Envelope{"book": book})
}

func (h *Handler) HandleUpdateCopies(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	var req struct {
		TotalCopies int `json:"total_copies"`
	}
	if err := httpx.ReadJSON(w, r, &req); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	book, err := h.service.UpdateTotalCopies(r.Context(), id, req.TotalCopies)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"book": book})
}
