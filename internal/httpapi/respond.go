package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/conveyr/conveyr/pkg/schema"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "code": status})
}

// writeError maps a FlowError code onto an HTTP status. Untyped errors are
// opaque 500s so internals never leak to callers.
func writeError(w http.ResponseWriter, err error) {
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		writeMessage(w, http.StatusInternalServerError, "internal error")
		return
	}

	body := map[string]any{
		"error": fe.Message,
		"code":  fe.Code,
	}
	if len(fe.Details) > 0 {
		body["details"] = fe.Details
	}
	writeJSON(w, statusFor(fe.Code), body)
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeForbidden:
		return http.StatusForbidden
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	case schema.ErrCodeIntegration, schema.ErrCodeAIAgent, schema.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	case schema.ErrCodeCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
