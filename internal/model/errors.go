package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation marks malformed input. Nothing is written.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a record does not exist (or is not
	// visible to the requesting user).
	ErrNotFound = errors.New("not found")

	// ErrInsufficientPosition is returned when a SELL exceeds the held
	// quantity. No partial fill is recorded.
	ErrInsufficientPosition = errors.New("insufficient position")

	// ErrDuplicateTask is matched by *DuplicateTaskError.
	ErrDuplicateTask = errors.New("duplicate task")

	// ErrInvalidTransition is returned when a task is already terminal.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrForbidden is returned when a user acts on another user's record.
	ErrForbidden = errors.New("forbidden")

	// ErrConflict is returned when a position or account changed between
	// the read a ledger mutation was computed from and its commit. Nothing
	// is written; the caller may retry the request.
	ErrConflict = errors.New("concurrent ledger update")

	// ErrAlreadyAdopted is returned when a signal was already adopted.
	ErrAlreadyAdopted = errors.New("signal already adopted")

	// ErrExternalProvider wraps failures of price, FX or model providers.
	ErrExternalProvider = errors.New("external provider error")
)

// Invalidf returns a validation error with a formatted detail.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// DuplicateTaskError reports that an equivalent task is already running.
// The caller decides whether to wait for it or terminate and resubmit.
type DuplicateTaskError struct {
	ExistingTaskID string    `json:"existing_task_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task: %s already running since %s",
		e.ExistingTaskID, e.CreatedAt.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrDuplicateTask) match.
func (e *DuplicateTaskError) Is(target error) bool {
	return target == ErrDuplicateTask
}
