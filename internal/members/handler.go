package members

import (
	"net/http"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/auth"
	"github.com/jules-labs/libralend/internal/httpx"
)

type Handler struct {
	service Service
	issuer  *auth.Issuer
	resp    httpx.Responder
}

func NewHandler(service Service, issuer *auth.Issuer, resp httpx.Responder) *Handler {
	return &Handler{service: service, issuer: issuer, resp: resp}
}

func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	m, err := h.service.Register(r.Context(), Registration{Email: body.Email, Name: body.Name, Password: body.Password})
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusCreated, m)
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	m, err := h.service.Authenticate(r.Context(), body.Email, body.Password)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.writeToken(w, r, http.StatusOK, m)
}

func (h *Handler) writeToken(w http.ResponseWriter, r *http.Request, status int, m *Member) {
	token, err := h.issuer.Issue(m.ID, m.Role)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, status, httpx.Envelope{"member": m, "token": token})
}

func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	m, err := h.service.GetMember(r.Context(), id.UserID)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"member": m})
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"members": list})
}

func (h *Handler) HandleSetRole(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.FromContext(r.Context())
	id, err := httpx.UUIDParam(r, "id")
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	var body struct {
		Role auth.Role `json:"role"`
	}
	if err := httpx.ReadJSON(w, r, &body); err != nil {
		h.resp.Error(w, r, err)
		return
	}
	if body.Role == "" {
		h.resp.Error(w, r, apperr.New(apperr.KindInvalid, "role must be provided"))
		return
	}
	m, err := h.service.SetRole(r.Context(), actor, id, body.Role)
	if err != nil {
		h.resp.Error(w, r, err)
		return
	}
	h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"member": m})
}
