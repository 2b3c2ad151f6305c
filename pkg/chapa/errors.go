package chapa

import (
	"errors"
	"fmt"
)

// Kind classifies gateway failures so callers can pick a retry policy
type Kind string

const (
	// KindUnreachable covers transport errors, timeouts and provider outages (5xx)
	KindUnreachable Kind = "gateway_unreachable"
	// KindRejected is a provider-level refusal carrying the provider's message
	KindRejected Kind = "gateway_rejected"
	// KindNotFound means the provider has no record of the reference
	KindNotFound Kind = "gateway_not_found"
)

// Sentinels for errors.Is matching on kind
var (
	ErrUnreachable = &Error{Kind: KindUnreachable}
	ErrRejected    = &Error{Kind: KindRejected}
	ErrNotFound    = &Error{Kind: KindNotFound}
)

// Error is returned by every Client call that does not succeed
type Error struct {
	Kind       Kind
	StatusCode int    // 0 when no HTTP response was received
	Message    string // provider message, or transport error text
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("chapa: %s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("chapa: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the gateway error kind of err, or "" when err is not a gateway error
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// MessageOf returns the provider message carried by err, if any
func MessageOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Message
	}
	return ""
}

func unreachable(err error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindUnreachable, Message: fmt.Sprintf(format, args...), Err: err}
}
