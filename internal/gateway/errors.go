package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel errors for the gateway's rejection taxonomy. Handlers return
// these (wrapped with detail) and writeError maps them to status codes.
var (
	// ErrUnauthenticated means no valid session accompanied the request.
	ErrUnauthenticated = errors.New("gateway: unauthenticated")

	// ErrForbidden means the session is valid but the requested resource
	// is outside its grant, e.g. a channel off the allow-list.
	ErrForbidden = errors.New("gateway: forbidden")

	// ErrInvalidPayload means the request body failed validation.
	ErrInvalidPayload = errors.New("gateway: invalid payload")

	// ErrUpstreamFailure means a backing system (Redis, Postgres, NATS,
	// token signer) failed while handling the request.
	ErrUpstreamFailure = errors.New("gateway: upstream failure")
)

// errorBody is the wire shape of every gateway rejection.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidPayload):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError serializes an error as {error, details}. The "error" field
// carries the taxonomy name; "details" carries the human-readable cause.
func writeError(w http.ResponseWriter, err error, details string) {
	status := statusFor(err)

	name := "internal"
	switch {
	case errors.Is(err, ErrUnauthenticated):
		name = "unauthenticated"
	case errors.Is(err, ErrForbidden):
		name = "forbidden"
	case errors.Is(err, ErrInvalidPayload):
		name = "invalid_payload"
	case errors.Is(err, ErrUpstreamFailure):
		name = "upstream_failure"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: name, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
