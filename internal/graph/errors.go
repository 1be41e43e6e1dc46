package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskNotFound indicates the task id is not part of the loaded graph.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoSession indicates no graph has been loaded into the engine.
	ErrNoSession = errors.New("no session loaded")
	// ErrAlreadyExecuting indicates StartExecution was called twice.
	ErrAlreadyExecuting = errors.New("session is already executing")
	// ErrIllegalTransition is matched by errors.Is for any illegal task
	// state transition.
	ErrIllegalTransition = errors.New("illegal task transition")
)

// IllegalTransitionError reports a MarkTask* call on a task whose current
// status is not a legal predecessor of the requested one.
type IllegalTransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
