package types

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against any error produced by the
// constructors below.
var (
	// ErrTransient marks failures worth retrying (timeouts, rate limits, 5xx)
	ErrTransient = errors.New("transient error")
	// ErrContent marks malformed feed or page content
	ErrContent = errors.New("content error")
	// ErrConfiguration marks invalid configuration or query input
	ErrConfiguration = errors.New("configuration error")
	// ErrDependencyUnavailable marks an optional collaborator that is down
	ErrDependencyUnavailable = errors.New("dependency unavailable")
)

// Domain validation errors
var (
	ErrEmptyQuery       = errors.New("query text cannot be empty")
	ErrInvalidTopK      = errors.New("top_k out of range")
	ErrInvalidFrequency = errors.New("invalid update frequency")
	ErrInvalidStatus    = errors.New("invalid document status")
	ErrInvalidChunk     = errors.New("invalid chunk")
)

// Error is a classified failure carrying the operation that produced it.
type Error struct {
	Kind error  // one of the Err* kind sentinels
	Op   string // operation, e.g. "embedder.batch"
	Err  error  // underlying cause
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Transient wraps err as a retryable failure
func Transient(op string, err error) error {
	return &Error{Kind: ErrTransient, Op: op, Err: err}
}

// Content wraps err as a content failure
func Content(op string, err error) error {
	return &Error{Kind: ErrContent, Op: op, Err: err}
}

// Configuration wraps err as a configuration or input failure
func Configuration(op string, err error) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: err}
}

// DependencyUnavailable wraps err as an unavailable collaborator
func DependencyUnavailable(op string, err error) error {
	return &Error{Kind: ErrDependencyUnavailable, Op: op, Err: err}
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
