package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies domain errors so that transports can map them to a status code
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindAuthorization ErrorKind = "authorization"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindInternal      ErrorKind = "internal"
)

// Error is a classified domain error with a stable machine-readable code
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on the error code so wrapped copies still compare equal to their sentinel
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error carrying an underlying cause
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// WithMessage returns a copy of the error with a more specific message
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

func newError(code string, kind ErrorKind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	// Local job queue
	ErrJobNotFound        = newError("JOB_NOT_FOUND", KindNotFound, "job not found")
	ErrUnknownJobType     = newError("UNKNOWN_JOB_TYPE", KindValidation, "unknown job type")
	ErrInvalidPayload     = newError("INVALID_JOB_PAYLOAD", KindValidation, "invalid job payload")
	ErrInvalidJobState    = newError("INVALID_JOB_STATE", KindValidation, "invalid job state")
	ErrQueueClosed        = newError("QUEUE_CLOSED", KindInternal, "job queue is shut down")
	ErrNoJobAvailable     = newError("NO_JOB_AVAILABLE", KindNotFound, "no job available")
	ErrJobTimeout         = newError("JOB_TIMEOUT", KindInternal, "job timed out")
	ErrMaxAttemptsReached = newError("MAX_ATTEMPTS_REACHED", KindInternal, "max attempts reached")

	// Runners
	ErrRunnerNotFound            = newError("RUNNER_NOT_FOUND", KindNotFound, "unknown runner")
	ErrInvalidRunnerToken        = newError("RUNNER_TOKEN_INVALID", KindAuthorization, "unknown runner token")
	ErrInvalidRegistrationToken  = newError("REGISTRATION_TOKEN_INVALID", KindAuthorization, "unknown registration token")
	ErrRegistrationTokenNotFound = newError("REGISTRATION_TOKEN_NOT_FOUND", KindNotFound, "registration token not found")
	ErrInvalidRunnerName         = newError("RUNNER_NAME_INVALID", KindValidation, "runner name must be between 1 and 100 characters")
	ErrInvalidRunnerDescription  = newError("RUNNER_DESCRIPTION_INVALID", KindValidation, "runner description must be at most 1000 characters")
	ErrRunnerNameTaken           = newError("RUNNER_NAME_TAKEN", KindValidation, "this runner name already exists on this instance")

	// Runner jobs
	ErrRunnerJobNotFound       = newError("RUNNER_JOB_NOT_FOUND", KindNotFound, "unknown runner job")
	ErrRunnerJobNotPending     = newError("RUNNER_JOB_NOT_IN_PENDING_STATE", KindConflict, "this job is not in pending state anymore")
	ErrRunnerJobNotProcessing  = newError("RUNNER_JOB_NOT_IN_PROCESSING_STATE", KindConflict, "this job is not in processing state")
	ErrRunnerJobNotCancellable = newError("RUNNER_JOB_NOT_CANCELLABLE", KindConflict, "this job cannot be cancelled")
	ErrInvalidJobToken         = newError("RUNNER_JOB_TOKEN_INVALID", KindAuthorization, "job token does not match this job")
	ErrInvalidRunnerJobType    = newError("RUNNER_JOB_TYPE_INVALID", KindValidation, "unknown runner job type")
	ErrInvalidProgress         = newError("RUNNER_JOB_PROGRESS_INVALID", KindValidation, "progress must be between 0 and 100")
	ErrInvalidMessage          = newError("RUNNER_JOB_MESSAGE_INVALID", KindValidation, "message must be between 1 and 5000 characters")
	ErrMissingResultFile       = newError("RUNNER_JOB_RESULT_FILE_MISSING", KindValidation, "missing result file")
	ErrInvalidResultFile       = newError("RUNNER_JOB_RESULT_FILE_INVALID", KindValidation, "invalid result file")
	ErrInvalidUpdatePayload    = newError("RUNNER_JOB_UPDATE_PAYLOAD_INVALID", KindValidation, "invalid update payload")
	ErrFileNotFound            = newError("RUNNER_JOB_FILE_NOT_FOUND", KindNotFound, "file not found for this job")
	ErrRunnerJobStateChanged   = newError("RUNNER_JOB_STATE_CHANGED", KindConflict, "this job changed state concurrently")

	// Listing
	ErrInvalidSort       = newError("INVALID_SORT", KindValidation, "invalid sort")
	ErrInvalidPagination = newError("INVALID_PAGINATION", KindValidation, "invalid pagination")

	// Auth
	ErrUnauthorized      = newError("UNAUTHORIZED", KindAuthorization, "missing or invalid bearer token")
	ErrInsufficientRight = newError("INSUFFICIENT_RIGHT", KindAuthorization, "user does not have the required right")
)

// KindOf returns the kind of the first classified error in the chain
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first classified error in the chain
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "INTERNAL_ERROR"
}

// RetryableError wraps transient errors, such as lost database connections, that should not count
// as a handler failure
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// UnrecoverableError marks a handler failure that must not be retried regardless of attempts left
type UnrecoverableError struct {
	Err error
}

func (e *UnrecoverableError) Error() string {
	return "unrecoverable error: " + e.Err.Error()
}

func (e *UnrecoverableError) Unwrap() error {
	return e.Err
}

// NewUnrecoverableError creates a new unrecoverable error
func NewUnrecoverableError(err error) error {
	return &UnrecoverableError{Err: err}
}
