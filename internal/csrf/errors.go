package csrf

import "errors"

// RejectionError is a CSRF validation failure. It maps to 403 and its
// message is safe to return to the client.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

var (
	ErrCookieMissing    = &RejectionError{Code: "cookie_missing", Message: "CSRF cookie missing"}
	ErrTokenMissing     = &RejectionError{Code: "token_missing", Message: "CSRF token missing from header or body"}
	ErrTokenFormat      = &RejectionError{Code: "token_format", Message: "Invalid CSRF token format"}
	ErrTokenMismatch    = &RejectionError{Code: "token_mismatch", Message: "CSRF token mismatch"}
	ErrTokenNotFound    = &RejectionError{Code: "token_not_found", Message: "CSRF token not found or expired"}
	ErrTokenAlreadyUsed = &RejectionError{Code: "token_already_used", Message: "CSRF token already used"}
	ErrIPMismatch       = &RejectionError{Code: "ip_mismatch", Message: "CSRF token was issued to a different IP address"}
)

// IsRejection reports whether err is a client-facing CSRF rejection as
// opposed to an internal failure.
func IsRejection(err error) bool {
	var r *RejectionError
	return errors.As(err, &r)
}

// RejectionCode returns the short code of a rejection, or "" for other
// errors.
func RejectionCode(err error) string {
	var r *RejectionError
	if errors.As(err, &r) {
		return r.Code
	}
	return ""
}
