package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrAuthorizationDenied marks a tenant response that refused access.
// It is terminal: retrying cannot succeed and only burns the time budget.
var ErrAuthorizationDenied = errors.New("authorization denied")

// ErrorClass is the classification of a tenant failure.
type ErrorClass string

const (
	ErrorClassNone                ErrorClass = ""
	ErrorClassTimeout             ErrorClass = "timeout"
	ErrorClassAuthorizationDenied ErrorClass = "authorization_denied"
	ErrorClassRemoteService       ErrorClass = "remote_service"
	ErrorClassAggregate           ErrorClass = "aggregate"
	ErrorClassUnexpected          ErrorClass = "unexpected"
)

// RetryableError is implemented by errors that know whether another attempt may succeed.
type RetryableError interface {
	error
	Retryable() bool
}

// UnexpectedError wraps a panic recovered from a tenant query.
type UnexpectedError struct {
	Value any
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("unexpected failure: %v", e.Value)
}

// Classify maps an error to its class.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	if len(Unwrap(err)) > 1 {
		return ErrorClassAggregate
	}
	if errors.Is(err, ErrAuthorizationDenied) {
		return ErrorClassAuthorizationDenied
	}

	var unexpected *UnexpectedError
	if errors.As(err, &unexpected) {
		return ErrorClassUnexpected
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return ErrorClassRemoteService
	}

	return ErrorClassUnexpected
}

// Unwrap flattens errors joined with errors.Join, at any depth.
// A non-joined error is returned as a single element.
func Unwrap(err error) []error {
	if err == nil {
		return nil
	}

	joined, ok := err.(interface{ Unwrap() []error })
	if !ok {
		var wrapped interface{ Unwrap() []error }
		if errors.As(err, &wrapped) {
			joined = wrapped
		} else {
			return []error{err}
		}
	}

	var errs []error
	for _, e := range joined.Unwrap() {
		errs = append(errs, Unwrap(e)...)
	}
	return errs
}

// shouldRetry reports whether another attempt may help.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthorizationDenied) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	for _, e := range Unwrap(err) {
		var retryable RetryableError
		if errors.As(e, &retryable) && retryable.Retryable() {
			return true
		}
	}
	return false
}
