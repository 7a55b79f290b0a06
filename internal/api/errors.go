package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Machine-readable error codes carried in every error body. Clients branch
// on these, never on the message text.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInternal       = "internal"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeSignupDisabled = "signup_disabled"
	ErrCodeConflict       = "conflict"
	ErrCodeChainMismatch  = "chain_mismatch"
	ErrCodeDuplicate      = "duplicate_record"
	ErrCodeTooLarge       = "too_large"
)

// APIError is the error object inside an error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the body of every non-2xx response except 409 on append.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ConflictResponse is the 409 body for a refused append. It adds the
// refused record and the relay's tail for that log, nil when the log is
// empty, so the client can tell a fork from a stale view.
type ConflictResponse struct {
	Error    APIError `json:"error"`
	RecordID string   `json:"record_id"`
	Tail     *string  `json:"tail"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("write response", "status", status, "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message}})
}
