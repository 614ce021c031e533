// Package api is the HTTP surface: admin provisioning, tenant-scoped
// device and messaging endpoints, webhook CRUD and the observability
// probes. Handlers are thin; everything stateful lives in the packages
// they call into.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Error kinds. These are wire tokens, part of the API contract.
const (
	KindValidation  = "validation"
	KindAuth        = "auth"
	KindAuthExpired = "auth_expired"
	KindNotFound    = "not_found"
	KindState       = "state"
	KindUpstream    = "upstream"
	KindRateLimited = "rate_limited"
	KindInternal    = "internal"
)

type errorBody struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := envelope{Error: &errorBody{
		Kind:      kind,
		Message:   message,
		RequestID: requestID(r.Context()),
	}}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("error response encode failed", "error", err)
	}
}

// decode parses a JSON request body with a sane size cap.
func decode(r *http.Request, into any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(into)
}
