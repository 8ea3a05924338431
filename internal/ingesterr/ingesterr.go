// Package ingesterr defines the refresh pipeline's error taxonomy: a small
// set of sentinel kinds callers can branch on with errors.Is/errors.As,
// instead of matching error strings. Kinds mirror the recovery policy each
// one implies (retry next URL, abort refresh, log-and-continue, ...).
package ingesterr

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error by its recovery policy.
type Kind int

const (
	// NetworkTransient: connect timeout, read timeout, connection refused.
	// Recovery: try the next URL, then the next cycle.
	NetworkTransient Kind = iota
	// UpstreamStatus: HTTP non-2xx response.
	// Recovery: abort the source refresh; Source -> Error with code + body snippet.
	UpstreamStatus
	// ContentInvalid: empty body, HTML disguised as playlist, non-UTF-8
	// binary, or no playlist markers found.
	// Recovery: abort the source refresh; Source -> Error with tailored message.
	ContentInvalid
	// Authentication: catalog authenticate call returned non-success.
	// Recovery: abort; Source -> Error.
	Authentication
	// LockContended: another worker holds the task lock.
	// Recovery: refuse to run; return a benign message; do not touch Source status.
	LockContended
	// StorageConflict: unique-constraint collision during bulk insert.
	// Recovery: silently skip — the duplicate was created concurrently.
	StorageConflict
	// PartialBatchFailure: one worker raised inside the upsert pool.
	// Recovery: log, count the batch as done, do not abort the refresh.
	PartialBatchFailure
	// MissingRefreshInputs: a restart attempt lacks source credentials.
	// Recovery: abort; surface a warning.
	MissingRefreshInputs
)

func (k Kind) String() string {
	switch k {
	case NetworkTransient:
		return "network_transient"
	case UpstreamStatus:
		return "upstream_status"
	case ContentInvalid:
		return "content_invalid"
	case Authentication:
		return "authentication"
	case LockContended:
		return "lock_contended"
	case StorageConflict:
		return "storage_conflict"
	case PartialBatchFailure:
		return "partial_batch_failure"
	case MissingRefreshInputs:
		return "missing_refresh_inputs"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and optional HTTP status code
// (set only for UpstreamStatus errors) and body snippet for diagnosis.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int    // non-zero only for UpstreamStatus
	BodySample string // first bytes of an offending response body, if any
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status=%d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind, preserving cause for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithStatus attaches an HTTP status code and body sample (UpstreamStatus).
func (e *Error) WithStatus(code int, bodySample string) *Error {
	e.StatusCode = code
	e.BodySample = bodySample
	return e
}

// Is reports whether err is an *Error of the given kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Aborts reports whether errors of this kind should abort the enclosing
// refresh (as opposed to being logged-and-continued or refused benignly).
func (k Kind) Aborts() bool {
	switch k {
	case UpstreamStatus, ContentInvalid, Authentication, MissingRefreshInputs:
		return true
	default:
		return false
	}
}
