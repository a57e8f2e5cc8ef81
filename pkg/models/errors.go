package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies job-affecting failures. Kinds are part of the API
// contract: clients see {state, error: {kind, message, detail}}.
type ErrorKind string

const (
	ErrKindValidation             ErrorKind = "validation"
	ErrKindDuplicate              ErrorKind = "duplicate"
	ErrKindProviderUnavailable    ErrorKind = "provider_unavailable"
	ErrKindProviderInvalidRequest ErrorKind = "provider_invalid_request"
	ErrKindVocabularyViolation    ErrorKind = "vocabulary_violation"
	ErrKindIntegrityViolation     ErrorKind = "integrity_violation"
	ErrKindCancelled              ErrorKind = "cancelled"
	ErrKindExpired                ErrorKind = "expired"
	ErrKindStalled                ErrorKind = "stalled"
	ErrKindInternal               ErrorKind = "internal"
)

// JobError is the structured error persisted on failed, cancelled and expired
// jobs. Raw stack traces never reach clients; Detail carries safe context.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Detail  string    `json:"detail,omitempty"`
}

func (e *JobError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewJobError builds a JobError with the given kind and message.
func NewJobError(kind ErrorKind, message string) *JobError {
	return &JobError{Kind: kind, Message: message}
}

// WithDetail attaches detail text and returns the error for chaining.
func (e *JobError) WithDetail(detail string) *JobError {
	e.Detail = detail
	return e
}

// AsJobError extracts a *JobError from an error chain, wrapping unknown
// errors as internal so workers never surface raw causes to clients.
func AsJobError(err error) *JobError {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return je
	}
	return &JobError{Kind: ErrKindInternal, Message: "internal error", Detail: err.Error()}
}

// Sentinel errors shared across repositories and the state machine.
var (
	// ErrNotFound is returned when a row or blob does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStateConflict is returned when a CAS transition loses the race.
	ErrStateConflict = errors.New("state conflict")
	// ErrAlreadyDispatched is returned when a second dispatcher claims a job.
	ErrAlreadyDispatched = errors.New("already dispatched")
	// ErrInvalidTransition is returned for transitions outside the state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrValidation is returned synchronously for bad submissions; no job row
	// is created.
	ErrValidation = errors.New("validation failed")
)

// ProviderUnavailableError marks a transient provider failure; callers retry
// with backoff up to the per-chunk budget.
type ProviderUnavailableError struct {
	Provider string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// ProviderInvalidRequestError marks a permanent provider rejection; the job
// fails without retry.
type ProviderInvalidRequestError struct {
	Provider string
	Err      error
}

func (e *ProviderInvalidRequestError) Error() string {
	return fmt.Sprintf("provider %s rejected request: %v", e.Provider, e.Err)
}

func (e *ProviderInvalidRequestError) Unwrap() error { return e.Err }

// IsProviderUnavailable reports whether err is a transient provider failure.
func IsProviderUnavailable(err error) bool {
	var pe *ProviderUnavailableError
	return errors.As(err, &pe)
}

// IsProviderInvalidRequest reports whether err is a permanent provider rejection.
func IsProviderInvalidRequest(err error) bool {
	var pe *ProviderInvalidRequestError
	return errors.As(err, &pe)
}
