package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a domain error so transport and callers can react
// without string matching. Kinds map onto HTTP statuses at the edge.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"              // missing/invalid/expired credential
	KindForbidden       ErrorKind = "forbidden"         // scope or ownership mismatch
	KindNotFound        ErrorKind = "not_found"         // build, worker, or artifact absent
	KindValidation      ErrorKind = "validation"        // malformed input
	KindPayloadTooLarge ErrorKind = "payload_too_large" // byte cap exceeded mid-stream
	KindStateConflict   ErrorKind = "state_conflict"    // operation illegal in current state
	KindSecurity        ErrorKind = "security"          // traversal attempt, header confusion
	KindTransient       ErrorKind = "transient"         // retryable contention
	KindInternal        ErrorKind = "internal"          // everything else
)

// Error is the domain error carried across package boundaries.
type Error struct {
	Kind    ErrorKind
	Message string

	// Details carries field-level validation context; empty otherwise.
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAuth returns an authentication error.
func NewAuth(message string) *Error {
	return &Error{Kind: KindAuth, Message: message}
}

// NewForbidden returns a scope/ownership error.
func NewForbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

// NewNotFound returns a missing-entity error.
func NewNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewValidation returns a malformed-input error with optional details.
func NewValidation(message, details string) *Error {
	return &Error{Kind: KindValidation, Message: message, Details: details}
}

// NewPayloadTooLarge returns a byte-cap error.
func NewPayloadTooLarge(message string) *Error {
	return &Error{Kind: KindPayloadTooLarge, Message: message}
}

// NewStateConflict returns an illegal-transition error.
func NewStateConflict(message string) *Error {
	return &Error{Kind: KindStateConflict, Message: message}
}

// NewSecurity returns a security-violation error.
func NewSecurity(message string) *Error {
	return &Error{Kind: KindSecurity, Message: message}
}

// NewTransient returns a retryable error.
func NewTransient(message string) *Error {
	return &Error{Kind: KindTransient, Message: message}
}

// NewInternal wraps an unexpected failure. The wrapped error stays
// server-side; only Message may reach clients.
func NewInternal(message string) *Error {
	return &Error{Kind: KindInternal, Message: message}
}

// KindOf extracts the error kind, defaulting to KindInternal for errors
// outside the taxonomy.
func KindOf(err error) ErrorKind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
