package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/metagate-io/metagate/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

// errorEnvelope is the uniform error body: a human-readable message plus
// the stable machine-readable code.
type errorEnvelope struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps core sentinel errors to HTTP statuses. Identity and
// permission failures deliberately collapse to 403: a caller must not be
// able to distinguish "you don't exist" from "you may not".
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.IsAny(err, errors.ErrPrincipalNotFound, errors.ErrNoActiveBinding,
		errors.ErrComponentNotPermitted, errors.ErrPrincipalMismatch, errors.ErrForbidden):
		return http.StatusForbidden
	case errors.IsAny(err, errors.ErrAttemptNotFound, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.IsAny(err, errors.ErrBindingConflict, errors.ErrForbiddenKey):
		// Bad reference data, not caller error.
		return http.StatusInternalServerError
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the uniform error envelope for a core error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := errors.Code(err)

	message := err.Error()
	if status >= 500 && !s.debug {
		// Internal details stay in the log.
		message = "internal error"
	}
	if status >= 500 && s.logger != nil {
		s.logger.Errorw("Request failed",
			"method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	}

	writeJSON(w, status, errorEnvelope{Error: message, Code: code})
}

// readJSON reads and decodes a JSON request body
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, errors.NewInvalidRequestError("invalid request body: %v", err))
		return false
	}
	return true
}

// requireMethod checks if the request method matches the expected method
func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeJSON(w, http.StatusMethodNotAllowed,
			errorEnvelope{Error: "method not allowed", Code: "METHOD_NOT_ALLOWED"})
		return false
	}
	return true
}
