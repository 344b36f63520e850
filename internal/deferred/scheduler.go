package deferred

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// SyncTaskID names the task that drains pending submissions.
const SyncTaskID = "sync-stories"

var (
	// ErrInvalidTaskID indicates a task identifier outside [a-z0-9_-].
	ErrInvalidTaskID = errors.New("deferred: invalid task id")

	taskIDRx = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
)

// Handler runs a ready task. A nil error completes the task.
type Handler func(ctx context.Context) error

// Scheduler records tasks that should run once the environment allows it.
type Scheduler interface {
	Schedule(ctx context.Context, taskID string) error
	OnReady(taskID string, handler Handler)
}

// Runner fires scheduled tasks.
type Runner interface {
	Run(ctx context.Context) error
	Flush(ctx context.Context) error
}

func validateTaskID(taskID string) error {
	if !taskIDRx.MatchString(taskID) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskID, taskID)
	}
	return nil
}
