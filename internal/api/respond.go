package api

import (
	"encoding/json"
	"net/http"

	"github.com/hackgods/healthhub-scheduler/internal/scheduling"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func statusFor(code scheduling.Code) int {
	switch code {
	case scheduling.CodeValidation, scheduling.CodeInvalidRule,
		scheduling.CodeInvalidWindow, scheduling.CodeInvalidInterval:
		return http.StatusBadRequest
	case scheduling.CodeNotFound:
		return http.StatusNotFound
	case scheduling.CodeConflict, scheduling.CodeStaleAvailability,
		scheduling.CodeVersionConflict, scheduling.CodeExpired,
		scheduling.CodeLockNotAcquired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
