package models

import (
	"errors"
)

// Sentinel errors shared across storage, queue and job services.
var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDatasetNotFound   = errors.New("dataset not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConcurrentUpdate  = errors.New("concurrent update")
	ErrValidation        = errors.New("validation failed")
	ErrQueueUnavailable  = errors.New("queue unavailable")
	ErrUnknownQueue      = errors.New("unknown queue")
	ErrTenantRequired    = errors.New("tenant identifier required in multi-tenant mode")
	ErrRowsNotRetained   = errors.New("full dataset rows not retained")
	ErrNoMessage         = errors.New("no messages in queue")
	ErrLeaseLost         = errors.New("message lease lost")

	// ErrNotOwner rejects a job write from a delivery that does not hold the run.
	ErrNotOwner = errors.New("job held by another delivery")

	// ErrNoChange lets a job mutator end an update without writing.
	ErrNoChange = errors.New("no change")
)

// TransientError marks a failure the queue should retry by redelivery.
// The job record is not transitioned for transient failures.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// BusinessError is a deterministic failure; the job is marked FAILED and the
// message acknowledged rather than retried.
type BusinessError struct {
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

// NewBusinessError builds a terminal failure carrying a user-facing message.
func NewBusinessError(message string, err error) error {
	return &BusinessError{Message: message, Err: err}
}

// ValidationError reports a rejected request field, shaped for 400 responses.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	if e.Reason == "" {
		return e.Field + ": invalid"
	}
	return e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
