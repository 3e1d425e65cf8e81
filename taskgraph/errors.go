package taskgraph

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a task id does not exist in the graph.
var ErrTaskNotFound = errors.New("task not found")

// InvalidTransitionError reports a status change outside the allowed edge set
// by a non-privileged actor.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s (valid: %v)",
		e.TaskID, e.From, e.To, validTransitions[e.From])
}

// ReviewRequiredError reports an attempt to complete a task that still needs
// a reviewer sign-off.
type ReviewRequiredError struct {
	TaskID string
}

func (e *ReviewRequiredError) Error() string {
	return fmt.Sprintf("task %s requires review before completion: move it to in_review and have a reviewer approve", e.TaskID)
}
