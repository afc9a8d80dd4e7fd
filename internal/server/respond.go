package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/fintrack/fintrack/internal/auth"
	"github.com/fintrack/fintrack/internal/ledger"
	"github.com/fintrack/fintrack/internal/logging"
	"github.com/fintrack/fintrack/internal/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, schema.ErrorResponse{Error: msg})
}

// fail maps a store error to a response. Unexpected errors are logged and
// reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schema.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, ledger.ErrUserExists):
		writeError(w, http.StatusConflict, "a user with this email already exists")
	case errors.Is(err, ledger.ErrIDTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid email or password")
	case errors.Is(err, ledger.ErrBalanceContention):
		logging.FromContext(r.Context()).Warn("balance contention", "error", err)
		writeError(w, http.StatusServiceUnavailable, "ledger busy, retry")
	default:
		logging.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is empty", schema.ErrValidation)
		}
		return fmt.Errorf("%w: malformed JSON: %v", schema.ErrValidation, err)
	}
	return nil
}
