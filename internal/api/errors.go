package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/baburama/notebuddy/internal/apperr"
)

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// statusForKind maps an error kind to the bridge's HTTP status.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindSessionExpired:
		return http.StatusUnauthorized
	case apperr.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case apperr.KindTimeoutExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// writeError reports err with the status of its kind.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	httpError(w, statusForKind(kind), kind.String(), "%s", apperr.Message(err))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
