package types

import (
	"context"
	"errors"
	"fmt"
)

// NotFoundError is returned when a key does not resolve in a collection.
type NotFoundError struct {
	Collection string
	Key        string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s/%s: not found", e.Collection, e.Key)
}

// Is implements errors.Is support so wrapped NotFoundErrors match.
func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}

// InvariantViolationError is returned when a write would violate one of the
// engine invariants. The write is rejected before commit.
type InvariantViolationError struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

func (e *InvariantViolationError) Is(target error) bool {
	_, ok := target.(*InvariantViolationError)
	return ok
}

// ContradictionRejectedError is returned when the contradiction engine,
// under the highest-confidence-wins policy, refuses a new edge because an
// existing edge carries higher confidence.
type ContradictionRejectedError struct {
	ExistingKey        string
	ExistingConfidence float64
}

func (e *ContradictionRejectedError) Error() string {
	return fmt.Sprintf("edge rejected: existing edge %s has higher confidence %.2f",
		e.ExistingKey, e.ExistingConfidence)
}

func (e *ContradictionRejectedError) Is(target error) bool {
	_, ok := target.(*ContradictionRejectedError)
	return ok
}

// ValidationError is returned for inputs out of range before any state is
// touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// TransientStorageError wraps a retryable database failure (connection,
// timeout). The adapter retries these with backoff before surfacing them.
type TransientStorageError struct {
	Op  string
	Err error
}

func (e *TransientStorageError) Error() string {
	return fmt.Sprintf("transient storage error in %s: %v", e.Op, e.Err)
}

func (e *TransientStorageError) Unwrap() error { return e.Err }

func (e *TransientStorageError) Is(target error) bool {
	_, ok := target.(*TransientStorageError)
	return ok
}

// PermanentStorageError wraps a non-retryable database failure (schema
// mismatch, missing collection, index creation).
type PermanentStorageError struct {
	Op  string
	Err error
}

func (e *PermanentStorageError) Error() string {
	return fmt.Sprintf("permanent storage error in %s: %v", e.Op, e.Err)
}

func (e *PermanentStorageError) Unwrap() error { return e.Err }

func (e *PermanentStorageError) Is(target error) bool {
	_, ok := target.(*PermanentStorageError)
	return ok
}

// ExternalUnavailableError wraps a failed embedding, LLM, or reranker call.
// Callers decide whether to proceed without the external result.
type ExternalUnavailableError struct {
	Service string
	Err     error
}

func (e *ExternalUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *ExternalUnavailableError) Unwrap() error { return e.Err }

func (e *ExternalUnavailableError) Is(target error) bool {
	_, ok := target.(*ExternalUnavailableError)
	return ok
}

// IsDeadlineExceeded reports whether err is the cooperative-cancellation
// signal, either directly or wrapped.
func IsDeadlineExceeded(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
