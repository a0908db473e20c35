package graph

import (
	"errors"
	"fmt"
)

var (
	ErrTypeConflict         = errors.New("entity type conflict")
	ErrAlreadyExists        = errors.New("entity already exists")
	ErrUnsupportedOperation = errors.New("unsupported operation")
	ErrUnresolvableKeys     = errors.New("keys carry no uid or name")
	ErrInvalidPolicy        = errors.New("invalid merge policy")
	ErrInvalidOperation     = errors.New("invalid operation")
)

// TypeConflictError is returned when two keysets with different non-empty
// types are merged.
type TypeConflictError struct {
	Existing string
	Incoming string
	Keys     EntityKeys
}

func (e *TypeConflictError) Error() string {
	return fmt.Sprintf("type conflict: existing %q, incoming %q for %s", e.Existing, e.Incoming, e.Keys)
}

func (e *TypeConflictError) Is(target error) bool {
	return target == ErrTypeConflict
}

// AlreadyExistsError is returned by the Err merge policy on a collision.
type AlreadyExistsError struct {
	Keys EntityKeys
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("already exists: %s", e.Keys)
}

func (e *AlreadyExistsError) Is(target error) bool {
	return target == ErrAlreadyExists
}

// UnsupportedOperationError names an operation a consumer cannot apply.
type UnsupportedOperationError struct {
	Kind OpKind
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("unsupported operation: %s", e.Kind)
}

func (e *UnsupportedOperationError) Is(target error) bool {
	return target == ErrUnsupportedOperation
}

// StoreError wraps a backend I/O failure from a working copy or log store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// WrapStore wraps a non-nil err as a StoreError. Errors that already carry a
// StoreError are returned unchanged.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
