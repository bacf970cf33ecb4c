package blackboard

import (
	"errors"
	"fmt"
)

var (
	// ErrStepNotFound is returned when a step id is not in the plan.
	ErrStepNotFound = errors.New("step not found")

	// ErrInvalidTransition is returned for a status move the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid step transition")

	// ErrStepFinalized is returned when mutating a DONE, SKIPPED or FAILED step.
	ErrStepFinalized = errors.New("step already finalized")

	// ErrResultSet is returned when the result is written twice.
	ErrResultSet = errors.New("result already set")
)

// ErrorKind classifies failures surfaced by stages and the coordinator.
type ErrorKind string

const (
	PlanExhausted        ErrorKind = "PlanExhausted"
	StepBudgetExceeded   ErrorKind = "StepBudgetExceeded"
	DecisionFormatError  ErrorKind = "DecisionFormatError"
	ExecutionError       ErrorKind = "ExecutionError"
	ExecutionTimeout     ErrorKind = "ExecutionTimeout"
	StorageUnavailable   ErrorKind = "StorageUnavailable"
	PerceptionParseError ErrorKind = "PerceptionParseError"
	Stopped              ErrorKind = "Stopped"
	Cancelled            ErrorKind = "Cancelled"
)

// Terminal reports whether the kind ends a run.
func (k ErrorKind) Terminal() bool {
	switch k {
	case PlanExhausted, StepBudgetExceeded, Stopped, Cancelled:
		return true
	}
	return false
}

// StepError is a typed error carried on steps, outcomes and run_failed events.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	cause   error
}

// NewError builds a StepError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a StepError that unwraps to cause.
func WrapError(kind ErrorKind, cause error) *StepError {
	return &StepError{Kind: kind, Message: cause.Error(), cause: cause}
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StepError) Unwrap() error { return e.cause }

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var se *StepError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
