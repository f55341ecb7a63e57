package core

import (
	"context"
	"errors"
	"fmt"
)

// Service error codes carried on the wire in RPC error frames. Clients
// dispatch on the code, so the strings are stable.
const (
	CodeAuth         = "auth"
	CodePolicy       = "policy"
	CodeNotFound     = "not_found"
	CodeInvalid      = "invalid"
	CodeTimeout      = "timeout"
	CodeTruncated    = "truncated"
	CodeMissedStream = "missed_stream"
	CodeInternal     = "internal"
)

// AuthError indicates a caller could not be authenticated: a missing,
// malformed, expired, or mis-signed credential.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// PolicyError indicates an authenticated caller is not allowed the
// operation it attempted.
type PolicyError struct {
	Identity Identity
	Subject  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("%s is not permitted on subject %q", e.Identity, e.Subject)
}

// ErrNotFound indicates a named resource does not exist.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ErrInvalidInput indicates a domain-level input validation failure.
type ErrInvalidInput struct {
	Field   string
	Message string
}

func (e *ErrInvalidInput) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return e.Message
}

// ErrNotReady indicates a required subsystem has not been initialized
// yet, such as the bus before the master key arrives.
type ErrNotReady struct {
	Subsystem string
}

func (e *ErrNotReady) Error() string {
	return fmt.Sprintf("%s not initialized", e.Subsystem)
}

// ErrTruncated indicates a response was cut at a byte cap and the
// caller received a prefix of the real output.
type ErrTruncated struct {
	What  string
	Limit int
}

func (e *ErrTruncated) Error() string {
	return fmt.Sprintf("%s truncated at %d bytes", e.What, e.Limit)
}

// ErrMissedStream indicates a gap in a streamed response sequence:
// a chunk was dropped between producer and consumer, so the assembled
// stream cannot be trusted.
type ErrMissedStream struct {
	Subject string
	Want    int
	Got     int
}

func (e *ErrMissedStream) Error() string {
	return fmt.Sprintf("missed stream response on %s: want seq %d, got %d", e.Subject, e.Want, e.Got)
}

// ServiceError is an RPC failure relayed from a remote service,
// reconstructed on the caller side from the wire code and message.
type ServiceError struct {
	Code    string
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode maps an error to its wire code. Unrecognized errors are
// reported as internal so remote callers never see raw internals.
func ErrorCode(err error) string {
	var (
		authErr      *AuthError
		policyErr    *PolicyError
		notFound     *ErrNotFound
		invalid      *ErrInvalidInput
		notReady     *ErrNotReady
		truncated    *ErrTruncated
		missedStream *ErrMissedStream
		svcErr       *ServiceError
	)
	switch {
	case errors.As(err, &svcErr):
		return svcErr.Code
	case errors.As(err, &authErr):
		return CodeAuth
	case errors.As(err, &policyErr):
		return CodePolicy
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &invalid):
		return CodeInvalid
	case errors.As(err, &notReady):
		return CodeInternal
	case errors.As(err, &truncated):
		return CodeTruncated
	case errors.As(err, &missedStream):
		return CodeMissedStream
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// IsAuthFailure reports whether err is an authentication failure, the
// trigger for a caller to mint a fresh routed token and retry once.
func IsAuthFailure(err error) bool {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return true
	}
	var svcErr *ServiceError
	return errors.As(err, &svcErr) && svcErr.Code == CodeAuth
}
