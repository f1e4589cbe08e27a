// Package httpx holds the JSON helpers, error responders and middleware
// shared by the HTTP handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jules-labs/libralend/internal/apperr"
)

// Envelope is the top-level JSON wrapper used for all responses,
// e.g. {"book": {...}} or {"loans": [...]}.
type Envelope map[string]any

const maxBodyBytes = 1_048_576

// WriteJSON writes data with the given status and optional headers.
func WriteJSON(w http.ResponseWriter, status int, data Envelope, headers http.Header) error {
	js, err := json.Marshal(data)
	if err != nil {
		return err
	}
	js = append(js, '\n')

	for key, value := range headers {
		w.Header()[key] = value
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(js)
	return err
}

// ReadJSON decodes exactly one JSON value from the body into dst, rejecting
// unknown fields and bodies over 1 MB.
func ReadJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &syntaxErr):
			return apperr.New(apperr.KindInvalid, "body contains badly-formed JSON (at character %d)", syntaxErr.Offset)
		case errors.Is(err, io.ErrUnexpectedEOF):
			return apperr.New(apperr.KindInvalid, "body contains badly-formed JSON")
		case errors.As(err, &typeErr):
			return apperr.New(apperr.KindInvalid, "body contains incorrect JSON type for field %q", typeErr.Field)
		case errors.Is(err, io.EOF):
			return apperr.New(apperr.KindInvalid, "body must not be empty")
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return apperr.New(apperr.KindInvalid, "body contains unknown key %s", strings.TrimPrefix(err.Error(), "json: unknown field "))
		case errors.As(err, &maxErr):
			return apperr.New(apperr.KindInvalid, "body must not be larger than %d bytes", maxErr.Limit)
		default:
			return fmt.Errorf("failed to decode body: %w", err)
		}
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return apperr.New(apperr.KindInvalid, "body must only contain a single JSON value")
	}
	return nil
}

// UUIDParam parses the named chi URL parameter.
func UUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.KindInvalid, "invalid %s parameter", name)
	}
	return id, nil
}
