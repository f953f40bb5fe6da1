// internal/errors/errors.go
package appErrors

import (
	"errors"
	"fmt"

	"tgbroadcast/internal/model"
)

// ErrStaleLease is returned when an outcome is recorded with a lock token
// that no longer owns the record (the lease expired and was re-claimed).
var ErrStaleLease = errors.New("delivery lease is stale")

// ErrRunNotFound is a sentinel error
type ErrRunNotFound struct {
	RunID string
}

func (e *ErrRunNotFound) Error() string {
	return fmt.Sprintf("broadcast run %s not found", e.RunID)
}

// Helper constructor
func NewRunNotFound(id string) error {
	return &ErrRunNotFound{RunID: id}
}

// ErrInvalidTarget reports a structurally invalid targeting specification.
// It aborts the launch before any run or delivery row exists.
type ErrInvalidTarget struct {
	Reason string
}

func (e *ErrInvalidTarget) Error() string {
	return fmt.Sprintf("invalid target specification: %s", e.Reason)
}

func NewInvalidTarget(reason string) error {
	return &ErrInvalidTarget{Reason: reason}
}

// ErrRunNotCancellable reports a cancel attempt against a run that is not in
// a cancellable status.
type ErrRunNotCancellable struct {
	RunID  string
	Status model.RunStatus
}

func (e *ErrRunNotCancellable) Error() string {
	return fmt.Sprintf("broadcast run %s cannot be cancelled in status %q", e.RunID, e.Status)
}

func NewRunNotCancellable(id string, status model.RunStatus) error {
	return &ErrRunNotCancellable{RunID: id, Status: status}
}
