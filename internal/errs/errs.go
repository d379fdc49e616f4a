// Package errs defines the typed failures returned by the protocol core.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindCrypto        Kind = "crypto"
	KindRateLimited   Kind = "rate_limited"
)

// Error is a classified failure with a human-readable detail.
type Error struct {
	Kind   Kind
	Detail string

	// Missing lists the capability tokens a receiver lacks, in request order.
	Missing []string

	// Required and Current are set for trust threshold failures.
	Required float64
	Current  float64

	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

// Authorization returns a KindAuthorization error.
func Authorization(format string, args ...any) *Error {
	return &Error{Kind: KindAuthorization, Detail: fmt.Sprintf(format, args...)}
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

// Crypto returns a KindCrypto error.
func Crypto(detail string) *Error {
	return &Error{Kind: KindCrypto, Detail: detail}
}

// RateLimited returns a KindRateLimited error for an agent.
func RateLimited(agentID string) *Error {
	return &Error{Kind: KindRateLimited, Detail: "rate limit exceeded for agent " + agentID}
}

// MissingCapabilities reports the exact capability tokens a receiver lacks.
func MissingCapabilities(missing []string) *Error {
	return &Error{
		Kind:    KindValidation,
		Detail:  "missing capabilities: " + strings.Join(missing, ", "),
		Missing: append([]string(nil), missing...),
	}
}

// InsufficientTrust reports a receiver whose score is below the requested minimum.
func InsufficientTrust(required, current float64) *Error {
	return &Error{
		Kind:     KindValidation,
		Detail:   fmt.Sprintf("insufficient trust score: required %g, current %g", required, current),
		Required: required,
		Current:  current,
	}
}

// Wrap attaches a cause to a classified error.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries a failure of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
