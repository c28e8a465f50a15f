package domain

import (
	"context"
	"errors"
)

// 管線錯誤分類，API 層只回傳 generic message，不外洩內部細節
var (
	// ErrGatewayUnavailable the backing object store cannot be reached
	ErrGatewayUnavailable = errors.New("artifact gateway unavailable")
	// ErrInvalidSpec empty stage list or malformed artifact reference
	ErrInvalidSpec = errors.New("invalid job spec")
	// ErrNotFound no job with that id
	ErrNotFound = errors.New("job not found")
	// ErrConflictingTransition the compare-and-swap expectation did not match;
	// expected under concurrent workers and treated as a silent no-op by the loser
	ErrConflictingTransition = errors.New("conflicting transition")
	// ErrObjectNotFound the object reference is invalid or expired
	ErrObjectNotFound = errors.New("object not found")
	// ErrRetryLimitExceeded a stage failed transiently on every allowed attempt
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
)

// TransientError marks a stage failure as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

// Unwrap keep errors.Is/As working through the wrapper
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a stage failure as not retryable.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }

// Unwrap keep errors.Is/As working through the wrapper
func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable stage failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Fatal wraps err as a non-retryable stage failure.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal check err is classified fatal
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ClassifyOutcome maps a stage error to its attempt outcome. Timeouts count
// as transient; anything not explicitly fatal stays eligible for retry.
func ClassifyOutcome(err error) StageOutcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTransient
	case IsFatal(err):
		return OutcomeFatal
	default:
		return OutcomeTransient
	}
}
