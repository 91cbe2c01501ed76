package query

import (
	"context"
	"errors"

	"github.com/ipni/go-querycache/apierror"
)

var (
	// ErrCancelled is returned to callers waiting on a fetch that was
	// cancelled. It is never recorded in the store.
	ErrCancelled = errors.New("query cancelled")
	// ErrTimeout is the cause of a fetch attempt that exceeded its timeout.
	ErrTimeout = errors.New("query timed out")
	// ErrClosed is returned after the client is closed.
	ErrClosed = errors.New("query client closed")
)

// Kind classifies a fetch error for retry purposes.
type Kind int

const (
	// KindTransient errors, such as network failures and timeouts, are retried.
	KindTransient Kind = iota
	// KindPermanent errors, such as not found or validation failures, are not.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	}
	return "unknown"
}

// Error is a fetch error with an explicit retry classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String() + " error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// IsRetryable reports whether a fetch that failed with err should be retried.
//
// An explicit Transient or Permanent classification wins. Otherwise an
// apierror.Error is retryable if its status is temporary, a cancelled context
// is not retryable, and any other error is assumed to be a transient network
// failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Kind == KindTransient
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *apierror.Error
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}
