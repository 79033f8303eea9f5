// Package apierror is the JSON error envelope returned by the API.
package apierror

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// Error is written as {"error": ...} plus the optional fields below.
type Error struct {
	Status     int         `json:"-"`
	Message    string      `json:"error"`
	Valid      *bool       `json:"valid,omitempty"`
	RetryAfter int         `json:"retryAfter,omitempty"`
	Headers    http.Header `json:"-"`
	underlying error
}

func (e *Error) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the extra headers, the status and the body.
func (e *Error) WriteJSON(w http.ResponseWriter) {
	for k, vs := range e.Headers {
		w.Header()[k] = vs
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(e)
}

func New(status int, message string) *Error {
	return &Error{Status: status, Message: message}
}

func Unauthorized(message string, err error) *Error {
	return &Error{Status: http.StatusUnauthorized, Message: message, underlying: err}
}

// RateLimited carries the rate-limit headers of the blocked decision.
func RateLimited(retryAfter int, headers http.Header) *Error {
	h := headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	if retryAfter > 0 && h.Get("Retry-After") == "" {
		h.Set("Retry-After", strconv.Itoa(retryAfter))
	}
	return &Error{
		Status:     http.StatusTooManyRequests,
		Message:    "Rate limit exceeded",
		RetryAfter: retryAfter,
		Headers:    h,
	}
}

func CSRFRejected(err error) *Error {
	valid := false
	return &Error{
		Status:     http.StatusForbidden,
		Message:    err.Error(),
		Valid:      &valid,
		underlying: err,
	}
}

// Internal hides err from the client when redact is set.
func Internal(err error, redact bool) *Error {
	msg := "Internal server error"
	if !redact && err != nil {
		msg = err.Error()
	}
	return &Error{Status: http.StatusInternalServerError, Message: msg, underlying: err}
}

var (
	ErrNotFound         = New(http.StatusNotFound, "endpoint not found")
	ErrMethodNotAllowed = New(http.StatusMethodNotAllowed, "method not allowed")
	ErrHTTPSRequired    = New(http.StatusUpgradeRequired, "https required")
)
