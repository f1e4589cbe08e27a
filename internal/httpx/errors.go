package httpx

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Responder writes error envelopes and logs server-side failures.
type Responder struct {
	Logger zerolog.Logger
}

func (re Responder) logError(r *http.Request, err error) {
	re.Logger.Error().Err(err).
		Str("request_method", r.Method).
		Str("request_url", r.URL.String()).
		Msg("request failed")
}

func (re Responder) errorResponse(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	data := Envelope{"error": Envelope{"kind": kind, "message": message}}
	if err := WriteJSON(w, status, data, nil); err != nil {
		re.logError(r, err)
		w.WriteHeader(http.StatusInternalServerError)
	}
}

// Error maps err to its status. Unclassified errors become a logged 500 with
// a generic message.
func (re Responder) Error(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		re.logError(r, err)
	}
	label := kind.String()
	if code := apperr.Code(err); code != "" {
		label = code
	}
	re.errorResponse(w, r, kind.HTTPStatus(), label, apperr.Message(err))
}

func (re Responder) NotFound(w http.ResponseWriter, r *http.Request) {
	re.errorResponse(w, r, http.StatusNotFound, "not_found", "the requested resource could not be found")
}

func (re Responder) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	re.errorResponse(w, r, http.StatusMethodNotAllowed, "method_not_allowed",
		"the "+r.Method+" method is not supported for this resource")
}

func (re Responder) Unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	re.errorResponse(w, r, http.StatusUnauthorized, "unauthorized", message)
}

func (re Responder) Forbidden(w http.ResponseWriter, r *http.Request) {
	re.errorResponse(w, r, http.StatusForbidden, "forbidden", "insufficient role for this resource")
}

func (re Responder) RateLimitExceeded(w http.ResponseWriter, r *http.Request) {
	re.errorResponse(w, r, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
}

// JSON writes a success envelope, logging encode failures.
func (re Responder) JSON(w http.ResponseWriter, r *http.Request, status int, data Envelope) {
	if err := WriteJSON(w, status, data, nil); err != nil {
		re.logError(r, err)
	}
}
