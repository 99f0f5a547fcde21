package jobs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type ErrorType int

const (
	ErrValidation ErrorType = iota
	ErrNotFound
	ErrInvalidStateTransition
	ErrFileProcessing
	ErrJobExecution
)

func (t ErrorType) String() string {
	switch t {
	case ErrValidation:
		return "VALIDATION_ERROR"
	case ErrNotFound:
		return "NOT_FOUND"
	case ErrInvalidStateTransition:
		return "INVALID_STATE_TRANSITION"
	case ErrFileProcessing:
		return "FILE_PROCESSING_ERROR"
	case ErrJobExecution:
		return "JOB_EXECUTION_ERROR"
	default:
		return "UNKNOWN"
	}
}

type Error struct {
	Type    ErrorType
	Message string
	Context map[string]any
	Cause   error
}

func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Context: make(map[string]any),
	}
}

func WrapError(err error, errorType ErrorType, message string) *Error {
	e := NewError(errorType, message)
	e.Cause = err
	return e
}

func (e *Error) Error() string {
	parts := []string{fmt.Sprintf("[%s] %s", e.Type, e.Message)}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ctxParts := make([]string, 0, len(keys))
		for _, k := range keys {
			ctxParts = append(ctxParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, "context: "+strings.Join(ctxParts, ", "))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause: %v", e.Cause))
	}

	return strings.Join(parts, " | ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

func IsErrorType(err error, errorType ErrorType) bool {
	var jobErr *Error
	if errors.As(err, &jobErr) {
		return jobErr.Type == errorType
	}
	return false
}

func notFound(id string) *Error {
	return NewError(ErrNotFound, fmt.Sprintf("job %s not found", id)).WithContext("job_id", id)
}

func invalidTransition(op string, job *Job) *Error {
	return NewError(ErrInvalidStateTransition,
		fmt.Sprintf("cannot %s job %s in status %s", op, job.ID, job.Status)).
		WithContext("job_id", job.ID).
		WithContext("status", string(job.Status))
}

// safeExecute converts a panic in fn into an error.
func safeExecute(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewError(ErrFileProcessing, fmt.Sprintf("runtime error: %v", r))
		}
	}()

	return fn()
}
