package model

import "fmt"

// taskTransitions are the allowed forward edges of the task state machine.
// Moving to TaskStatusError is handled apart, it is allowed from every
// non-terminal state.
var taskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskStatusWaiting: {
		TaskStatusRunning:   true,
		TaskStatusSuspended: true,
	},
	TaskStatusRunning: {
		TaskStatusRunning:   true, // Every streamed progress frame carries running.
		TaskStatusFinished:  true,
		TaskStatusSuspended: true,
	},
	TaskStatusSuspended: {
		TaskStatusRunning: true,
	},
}

// IsTransitionAllowed returns if a task can move from current to next status.
// When the transition is rejected, reason explains why.
//
// A rejection is not an error, it usually means a stale in-flight update lost
// a race against a newer one, callers log it and drop the update.
func IsTransitionAllowed(current, next TaskStatus) (allowed bool, reason string) {
	if !current.Valid() {
		return false, fmt.Sprintf("current status %q is unknown", current)
	}
	if !next.Valid() {
		return false, fmt.Sprintf("requested status %q is unknown", next)
	}

	if current.IsTerminal() {
		if next.IsTerminal() {
			return false, fmt.Sprintf("task already in terminal status %q, can't move to terminal status %q", current, next)
		}
		return false, fmt.Sprintf("task in terminal status %q can't move back to %q", current, next)
	}

	if next == TaskStatusError {
		return true, ""
	}

	if current == next && !taskTransitions[current][next] {
		return false, fmt.Sprintf("task already in status %q", current)
	}

	if !taskTransitions[current][next] {
		return false, fmt.Sprintf("transition from %q to %q is not allowed", current, next)
	}

	return true, ""
}
