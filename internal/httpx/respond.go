package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/stackport/stackport/internal/domain"
	"github.com/stackport/stackport/internal/repository"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error onto an HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	case domain.IsValidation(err), domain.HasCode(err, domain.CodeUnknownProvider):
		return http.StatusBadRequest
	case domain.IsStateConflict(err):
		return http.StatusConflict
	case domain.HasCode(err, domain.CodeDeployLocked):
		return http.StatusLocked
	case domain.IsTransient(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
