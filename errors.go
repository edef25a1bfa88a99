package caskv

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is. Every error returned by a KV matches exactly one of
// them, except RetriesExhaustedError which also matches ErrConflict. Context
// cancellation is returned as is.
var (
	ErrConflict         = errors.New("caskv: conflict")
	ErrAlreadyExists    = errors.New("caskv: already exists")
	ErrNotFound         = errors.New("caskv: not found")
	ErrValidation       = errors.New("caskv: invalid request")
	ErrStorage          = errors.New("caskv: storage failure")
	ErrRetriesExhausted = errors.New("caskv: transaction retries exhausted")
)

// ConflictError means a compare predicate did not hold. Callers may retry.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("caskv: conflict on %q: current value does not match compare", e.Key)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AlreadyExistsError means an absent-compare or IfNotExists put found a live entry.
type AlreadyExistsError struct {
	Key string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("caskv: key %q already exists", e.Key)
}

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// NotFoundError means an unconditional delete found no live entry.
type NotFoundError struct {
	Key string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("caskv: key %q not found", e.Key)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ValidationError reports a malformed request. Nothing was read or written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("caskv: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StorageError wraps a backend or codec fault. It is never retried.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("caskv: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Is(target error) bool { return target == ErrStorage }
func (e *StorageError) Unwrap() error        { return e.Err }

// RetriesExhaustedError is returned by the Transact family once the retry
// budget is spent. Last is the conflict seen on the final attempt.
type RetriesExhaustedError struct {
	Keys     []string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("caskv: transaction on [%s] gave up after %d attempts: %v",
		strings.Join(e.Keys, ", "), e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }
func (e *RetriesExhaustedError) Unwrap() error        { return e.Last }
