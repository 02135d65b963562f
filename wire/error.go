package wire

import (
	"errors"
	"fmt"
)

// Error is a client-safe error: its code, reason and details travel to
// the client verbatim, as a method error or nosub error. Anything that
// is not an *Error is masked on the wire as a 500.
type Error struct {
	// Code is an HTTP-like integer or a symbolic string.
	Code    any
	Reason  string
	Details any
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("[%v] %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("[%v]", e.Code)
}

// NewError creates a client-safe error.
func NewError(code any, reason string) *Error {
	return &Error{Code: code, Reason: reason}
}

// ErrSubNotFound is the nosub error for an unknown publication name.
var ErrSubNotFound = &Error{Code: 404, Reason: "Subscription not found"}

// ErrMethodNotFound is the method error for an unknown method name.
var ErrMethodNotFound = &Error{Code: 404, Reason: "Method not found"}

// internalError is what non-client-safe errors look like on the wire.
// The original error stays in the server logs only.
var internalError = &Error{Code: 500, Reason: "Internal server error"}

// Sanitize converts an arbitrary error into its client-visible form:
// client-safe errors pass through, everything else becomes the masked
// internal error. The boolean reports whether masking happened, so the
// caller knows to log the original.
func Sanitize(err error) (clientErr *Error, masked bool) {
	if err == nil {
		return nil, false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce, false
	}
	return internalError, true
}

func (e *Error) wireForm() map[string]any {
	out := map[string]any{
		"error":     e.Code,
		"message":   e.Error(),
		"errorType": "Meteor.Error",
	}
	if e.Reason != "" {
		out["reason"] = e.Reason
	}
	if e.Details != nil {
		out["details"] = e.Details
	}
	return out
}
