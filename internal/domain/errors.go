package domain

import (
	"errors"
	"fmt"
)

// ErrorClass partitions acquisition failures into the categories callers act
// on differently: auth failures invalidate cached credentials, timeouts and
// upstream errors are retried locally, parse failures never abort a request,
// and NotFound means no candidate endpoint accepted the response.
type ErrorClass string

const (
	ClassAuth     ErrorClass = "auth_failure"
	ClassToken    ErrorClass = "token_failure"
	ClassTimeout  ErrorClass = "timeout"
	ClassUpstream ErrorClass = "upstream_http_error"
	ClassParse    ErrorClass = "parse_failure"
	ClassNotFound ErrorClass = "not_found"
)

// ErrNoEndpointAccepted is returned when every probe candidate was tried and
// none produced an acceptable payload. It is distinct from an accepted-but-empty
// response, which is a valid success.
var ErrNoEndpointAccepted = &ClassifiedError{Class: ClassNotFound, Err: errors.New("no candidate endpoint accepted")}

// ClassifiedError wraps an underlying failure with its taxonomy class and,
// for upstream HTTP errors, the status code.
type ClassifiedError struct {
	Class  ErrorClass
	Status int
	Err    error
}

func (e *ClassifiedError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s (status %d): %v", e.Class, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d)", e.Class, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Class, e.Err)
	default:
		return string(e.Class)
	}
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// NewAuthError marks a rejected or missing credential.
func NewAuthError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassAuth, Err: err}
}

// NewTokenError marks a failed derived-token step despite a valid session.
func NewTokenError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassToken, Err: err}
}

// NewTimeoutError marks an attempt that exceeded its budget.
func NewTimeoutError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassTimeout, Err: err}
}

// NewUpstreamError marks a non-2xx vendor response.
func NewUpstreamError(status int, err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassUpstream, Status: status, Err: err}
}

// NewParseError marks a payload no normalizer strategy could interpret.
func NewParseError(err error) *ClassifiedError {
	return &ClassifiedError{Class: ClassParse, Err: err}
}

// ClassOf extracts the taxonomy class from err, unwrapping as needed.
// Unclassified errors report as upstream failures, the safest retryable bucket.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassUpstream
}

// IsClass reports whether err carries the given taxonomy class.
func IsClass(err error, class ErrorClass) bool {
	return err != nil && ClassOf(err) == class
}

// StatusOf returns the HTTP status attached to err, or 0.
func StatusOf(err error) int {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Status
	}
	return 0
}

// IsCredentialRejection reports whether err indicates the credential used for
// the call was rejected downstream (401/403 or an auth/token class), which
// must trigger cache invalidation before the failure is surfaced.
func IsCredentialRejection(err error) bool {
	if err == nil {
		return false
	}
	if c := ClassOf(err); c == ClassAuth || c == ClassToken {
		return true
	}
	s := StatusOf(err)
	return s == 401 || s == 403
}
