package growlog

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// Kind classifies a client failure. Callers branch on Kind, never on the
// message text.
type Kind string

const (
	// KindNetwork is a transport-level failure (DNS, dial, reset).
	KindNetwork Kind = "network"
	// KindTimeout is a per-attempt connect/send/receive timeout.
	KindTimeout Kind = "timeout"
	// KindServer is a 5xx response.
	KindServer Kind = "server"
	// KindValidation is a 4xx body-level rejection (422, 400).
	KindValidation Kind = "validation"
	// KindAuthentication is a 401.
	KindAuthentication Kind = "authentication"
	// KindAuthorization is a 403.
	KindAuthorization Kind = "authorization"
	// KindNotFound is a 404.
	KindNotFound Kind = "not_found"
	// KindConflict is a 409.
	KindConflict Kind = "conflict"
	// KindRateLimit is a 429; the error carries the server's Retry-After.
	KindRateLimit Kind = "rate_limit"
	// KindNoConnection covers both true offline state and retry exhaustion
	// that degraded to an offline-equivalent outcome.
	KindNoConnection Kind = "no_connection"
	// KindNotInitialized means the pipeline was used before Init.
	KindNotInitialized Kind = "not_initialized"
	// KindParsing is a response decode failure.
	KindParsing Kind = "parsing"
	// KindStorage is a cache or queue persistence failure.
	KindStorage Kind = "storage"
	// KindDeferred means a mutating request made while offline was recorded
	// in the offline queue instead of executed. The operation has NOT taken
	// effect yet.
	KindDeferred Kind = "deferred"
	// KindUnknown is anything unclassified.
	KindUnknown Kind = "unknown"
)

// Error is the typed failure surfaced by every client operation.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	// RetryAfter is the server-advertised delay on KindRateLimit.
	RetryAfter time.Duration
	// EntryID is the offline-queue entry ID on KindDeferred.
	EntryID string
	// Exhausted marks an error returned after the retry budget ran out.
	Exhausted bool
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("growlog: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("growlog: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether an operation failing with this kind is worth
// retrying by the caller.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit, KindNoConnection:
		return true
	}
	return false
}

// SuggestedDelay returns a delay hint for caller-side retry UX. For rate
// limits this is the server's Retry-After; for other retryable kinds a
// fixed conservative hint; zero for non-retryable kinds.
func (e *Error) SuggestedDelay() time.Duration {
	switch e.Kind {
	case KindRateLimit:
		if e.RetryAfter > 0 {
			return e.RetryAfter
		}
		return 30 * time.Second
	case KindNetwork, KindTimeout, KindServer:
		return 2 * time.Second
	case KindNoConnection:
		return 10 * time.Second
	}
	return 0
}

// transient reports whether the retry controller may recover this kind
// locally. Rate limits are retried too, paced by Retry-After.
func (e *Error) transient() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindServer, KindRateLimit:
		return true
	}
	return false
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ============================================================================
// Classification helpers
// ============================================================================

// classifyStatus maps an HTTP response status to an error kind. 2xx maps to
// KindUnknown and is never used as a failure by the pipeline.
func classifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusForbidden:
		return KindAuthorization
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindValidation
	}
	return KindUnknown
}

// AsError extracts the typed *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown for foreign errors.
func KindOf(err error) Kind {
	if ge, ok := AsError(err); ok {
		return ge.Kind
	}
	return KindUnknown
}

// IsDeferred reports whether err is the deferred-write outcome: the request
// was queued for replay and has not executed.
func IsDeferred(err error) bool {
	return KindOf(err) == KindDeferred
}
