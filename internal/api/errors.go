package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Error codes returned in the errorCode field.
const (
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUsageLimitExceeded = "USAGE_LIMIT_EXCEEDED"
	CodeNotFound           = "NOT_FOUND"
	CodeShareNotFound      = "SHARE_NOT_FOUND"
	CodeShareExpired       = "SHARE_EXPIRED"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeWebhookDisabled    = "WEBHOOK_DISABLED"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeNotReady           = "NOT_READY"
	CodeInternal           = "INTERNAL_ERROR"
)

// apiError is the JSON error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
	Details map[string]any
}

func newError(status int, code, message string) apiError {
	return apiError{Status: status, Code: code, Message: message}
}

func (e apiError) with(key string, v any) apiError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = v
	return e
}

// writeError writes the envelope {error, errorCode, message, request_id}
// plus any details at the top level.
func writeError(w http.ResponseWriter, r *http.Request, e apiError) {
	if e.Status == 0 {
		e.Status = http.StatusInternalServerError
	}
	payload := map[string]any{
		"error":     http.StatusText(e.Status),
		"errorCode": e.Code,
		"message":   sanitize(e.Message, 512),
	}
	if id := middleware.GetReqID(r.Context()); id != "" {
		payload["request_id"] = sanitize(id, 80)
	}
	for k, v := range e.Details {
		payload[k] = v
	}
	writeJSON(w, e.Status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}

func sanitize(s string, max int) string {
	s = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, s)
	if len(s) > max {
		s = s[:max]
	}
	return strings.TrimSpace(s)
}
