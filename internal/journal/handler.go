package journal

import (
	"net/http"

	"github.com/jules-labs/libralend/internal/apperr"
	"github.com/jules-labs/libralend/internal/httpx"
)

// Handler serves the audit trail of single aggregates to staff.
type Handler struct {
	journal *Journal
	resp    httpx.Responder
}

func NewHandler(j *Journal, resp httpx.Responder) *Handler {
	return &Handler{journal: j, resp: resp}
}

// HandleHistory lists the entries of the {id} aggregate, which must be of
// aggregateType.
func (h *Handler) HandleHistory(aggregateType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := httpx.UUIDParam(r, "id")
		if err != nil {
			h.resp.Error(w, r, err)
			return
		}
		entries, err := h.journal.History(r.Context(), id)
		if err != nil {
			h.resp.Error(w, r, err)
			return
		}
		if len(entries) == 0 || entries[0].AggregateType != aggregateType {
			h.resp.Error(w, r, apperr.New(apperr.KindNotFound, "no %s journal for %s", aggregateType, id))
			return
		}
		h.resp.JSON(w, r, http.StatusOK, httpx.Envelope{"journal": entries})
	}
}
