package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kiloguardian/kilo/pkg/log"
	"github.com/kiloguardian/kilo/pkg/storage"
)

// maxBodyBytes bounds request bodies; prescription photos go through
// their own multipart limit.
const maxBodyBytes = 1 << 20

// ErrorBody is the stable error envelope every backend returns
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// State carries the reminder's current state on transition conflicts
	State string `json:"state,omitempty"`
}

// WriteJSON encodes v as the response with the given status
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("failed to encode response", err)
	}
}

// WriteError writes the error envelope with the given status
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorBody{Code: code, Message: message})
}

// WriteStateError writes a conflict envelope carrying the entity's
// current state, so clients can render the transition that was refused.
func WriteStateError(w http.ResponseWriter, status int, code, message, state string) {
	WriteJSON(w, status, ErrorBody{Code: code, Message: message, State: state})
}

// Error maps an error to its response: storage sentinels become 404/409,
// anything else is a 500 with the detail kept out of the body.
func Error(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, storage.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, storage.ErrConflict):
		WriteError(w, http.StatusConflict, "conflict", err.Error())
	default:
		log.Errorf("request failed", err)
		WriteError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// Decode reads the request body into v, rejecting unknown fields
func Decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ShiftPath splits the first segment off a path: "/meds/42/take" yields
// ("meds", "/42/take").
func ShiftPath(path string) (head, rest string) {
	path = trimSlash(path)
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i], path[i:]
		}
	}
	return path, "/"
}

func trimSlash(path string) string {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return path
}
