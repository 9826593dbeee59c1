package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/finvault/finvault/internal/common"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the service error taxonomy to HTTP statuses. Cryptographic
// and authentication failures are reduced to their category; no internal
// detail crosses this boundary.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid input"})
	case errors.Is(err, common.ErrAuthenticationFailed):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication failed"})
	case errors.Is(err, common.ErrDecryptionFailed):
		// Wrong or stale key: the client must re-authenticate and re-derive.
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "re-authentication required"})
	case errors.Is(err, common.ErrKEKRequired):
		writeJSON(w, http.StatusPreconditionRequired, errorResponse{Error: "encryption key required"})
	case errors.Is(err, common.ErrInvalidToken), errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrRefreshTokenExpired):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token"})
	case errors.Is(err, common.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, common.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
	case errors.Is(err, common.ErrMigrationFailed):
		// The account is untouched; the same login can be retried.
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "login failed, please try again"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}
