package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common sentinel errors
var (
	// ErrPolicyNotFound indicates the named policy is not loaded.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrNoResult indicates a policy produced no decision document.
	ErrNoResult = errors.New("policy produced no result")

	// ErrEmptyPolicy indicates a policy was loaded without a name or source.
	ErrEmptyPolicy = errors.New("policy name and source are required")
)

// CompileError indicates a policy could not be compiled. The previously
// loaded version of the policy, if any, stays active.
type CompileError struct {
	Policy string
	Cause  error
}

// Error returns the error message.
func (e *CompileError) Error() string {
	return fmt.Sprintf("policy %s: compile failed: %v", e.Policy, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *CompileError) Unwrap() error {
	return e.Cause
}

// EvaluationError indicates a runtime fault while evaluating a policy.
type EvaluationError struct {
	Policy  string
	Message string
	Cause   error
}

// Error returns the error message.
func (e *EvaluationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("policy %s: %s: %v", e.Policy, e.Message, e.Cause)
	}
	return fmt.Sprintf("policy %s: %s", e.Policy, e.Message)
}

// Unwrap returns the underlying cause.
func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

// TimeoutError indicates a policy evaluation exceeded its time budget.
type TimeoutError struct {
	Policy  string
	Timeout time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("policy %s: evaluation timeout after %v", e.Policy, e.Timeout)
}

// IsCompileError reports whether err is or wraps a CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// Unwrap reports the timeout as context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
