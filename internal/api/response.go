package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gyaneshwarpardhi/ruleflow/internal/engine"
	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

// Error codes carried in errorResponse.Code.
const (
	codeBadRequest       = "bad_request"
	codeInvalidEvent     = "invalid_event"
	codeQueueFull        = "queue_full"
	codeTimeout          = "timeout"
	codeStoreUnavailable = "store_unavailable"
	codeCanceled         = "canceled"
	codeReloadFailed     = "reload_failed"
	codeInternal         = "internal"
)

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the error envelope. EventID names the change event the
// failure concerns, when there is one.
type errorResponse struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	EventID string         `json:"event_id,omitempty"`
	Invalid map[int]string `json:"invalid,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// writeEventError reports an engine failure for the event with eventID.
func writeEventError(w http.ResponseWriter, eventID string, err error) {
	status, code := classify(err)
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, EventID: eventID})
}

// classify maps engine errors to an HTTP status and error code.
func classify(err error) (int, string) {
	var storeErr *rule.StoreError
	switch {
	case errors.Is(err, engine.ErrInvalidEvent):
		return http.StatusBadRequest, codeInvalidEvent
	case errors.Is(err, engine.ErrQueueFull):
		return http.StatusTooManyRequests, codeQueueFull
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, codeTimeout
	case errors.As(err, &storeErr):
		return http.StatusServiceUnavailable, codeStoreUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout, codeCanceled
	}
	return http.StatusInternalServerError, codeInternal
}
