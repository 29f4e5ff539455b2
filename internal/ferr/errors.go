// Package ferr defines the error taxonomy surfaced to clients of the
// signing service, as distinguished from internal/store or internal/hsm
// errors which are always wrapped into one of these kinds before they
// cross a component boundary.
package ferr

import (
	"errors"
	"fmt"
)

// Kind enumerates the client-visible error categories.
type Kind int

const (
	_ Kind = iota
	UnknownSecret
	InvalidPayload
	PayloadMismatch
	InsufficientAuthorization
	HsmUnavailable
	Internal
)

func (k Kind) String() string {
	switch k {
	case UnknownSecret:
		return "UnknownSecret"
	case InvalidPayload:
		return "InvalidPayload"
	case PayloadMismatch:
		return "PayloadMismatch"
	case InsufficientAuthorization:
		return "InsufficientAuthorization"
	case HsmUnavailable:
		return "HsmUnavailable"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is the typed error returned across the Dispatcher boundary.
// Have/Need are populated only for InsufficientAuthorization.
type Error struct {
	Kind Kind
	Msg  string
	Have int64
	Need int64
	err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.err }

// New builds a plain Error of the given kind.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind that chains to cause via %w,
// without leaking cause's message to the client-visible Msg field
// unless explicitly included in format.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), err: cause}
}

// Insufficient builds the InsufficientAuthorization diagnostic required
// by spec.md's error handling design.
func Insufficient(have, need int64) *Error {
	return &Error{
		Kind: InsufficientAuthorization,
		Msg:  fmt.Sprintf("have %d, need %d", have, need),
		Have: have,
		Need: need,
	}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == k
}
