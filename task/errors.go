package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means no record exists for the task id.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists means create was called with an id that has a record.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrConflict is the target for errors.Is on any CAS conflict.
	ErrConflict = errors.New("task state conflict")
)

// ConflictError reports a compare-and-swap transition that observed a
// different state than expected. Matches ErrConflict under errors.Is.
type ConflictError struct {
	ID       string
	Expected State
	Observed State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: expected state %s, observed %s", e.ID, e.Expected, e.Observed)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
