package notify

import (
	"net/http"

	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/httpx"
)

type Handler struct {
	service Service
	hub     *Hub
	resp    httpx.Responder
}

func NewHandler(service Service, hub *Hub, resp httpx.Responder) *Handler {
	return &Handler{service: service, hub: hub, resp: resp}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	list, err := h.service.List(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"notifications": list})
}

func (h *Handler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	notificationID, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if err := h.service.MarkRead(r.Context(), id.UserID, notificationID); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"message": "notification marked as read"})
}

func (h *Handler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	n, err := h.service.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"updated": n})
}

func (h *Handler) HandleClear(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	n, err := h.service.Clear(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"cleared": n})
}

func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	h.hub.Serve(w, r, id.UserID)
}
