package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrDuplicateTask     = errors.New("task already exists")
	ErrUnknownDependency = errors.New("dependency target does not exist")
	ErrCycle             = errors.New("dependency cycle")
	ErrHasDependents     = errors.New("task still has dependents")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrInvalidDependency = errors.New("invalid dependency")
	ErrDeadlock          = errors.New("deadlock detected")
	ErrMissingExecutor   = errors.New("no executor registered for task type")
	ErrExecutionTimeout  = errors.New("task execution timed out")
)

// transitions lists the allowed status changes. FAILED -> PENDING is only
// taken while retries remain; the caller checks that. RUNNING -> PENDING is
// an interrupted attempt.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:   {TaskReady, TaskBlocked, TaskCancelled},
	TaskReady:     {TaskPending, TaskRunning, TaskBlocked, TaskCancelled},
	TaskRunning:   {TaskCompleted, TaskFailed, TaskCancelled, TaskBlocked, TaskPending},
	TaskBlocked:   {TaskRunning, TaskPending, TaskCancelled},
	TaskFailed:    {TaskPending},
	TaskCompleted: nil,
	TaskCancelled: nil,
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func ensureTransition(taskID string, from, to TaskStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("task %q %s -> %s: %w", taskID, from, to, ErrInvalidTransition)
}
