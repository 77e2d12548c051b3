package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownDependency is returned when a task depends on an ID not in the pipeline.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrCycleDetected is returned when the dependencies form a cycle.
	ErrCycleDetected = errors.New("cycle detected")

	// ErrInvalidTask is returned for tasks with missing or malformed fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrUnregisteredFunction is returned when no handler is registered under a task's function name.
	ErrUnregisteredFunction = errors.New("unregistered function")

	// ErrUnknownSchema is returned when a task names an output schema that was not provided.
	ErrUnknownSchema = errors.New("unknown output schema")

	// ErrTaskExecutionFailed is returned when a task exhausts its retries.
	ErrTaskExecutionFailed = errors.New("task execution failed")

	// ErrCancelled is returned when the run's context ends between tasks.
	ErrCancelled = errors.New("pipeline cancelled")
)

// Reference is one dependency edge that points at a missing task.
type Reference struct {
	Task       string
	Dependency string
}

// GraphError reports a structural problem found before execution starts.
// Kind is one of ErrUnknownDependency, ErrCycleDetected or ErrInvalidTask.
type GraphError struct {
	Kind error
	// Task is the offending task for ErrInvalidTask.
	Task string
	// Unknown lists every dangling reference for ErrUnknownDependency.
	Unknown []Reference
	// Cycles lists the members of every cycle, each in input order.
	Cycles [][]string
	Err    error
}

func (e *GraphError) Error() string {
	var b strings.Builder
	b.WriteString("graph error: ")
	b.WriteString(e.Kind.Error())
	switch {
	case len(e.Cycles) > 0:
		parts := make([]string, len(e.Cycles))
		for i, c := range e.Cycles {
			parts[i] = "[" + strings.Join(c, ", ") + "]"
		}
		fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	case len(e.Unknown) > 0:
		parts := make([]string, len(e.Unknown))
		for i, r := range e.Unknown {
			parts[i] = fmt.Sprintf("task %q depends on %q", r.Task, r.Dependency)
		}
		fmt.Fprintf(&b, ": %s", strings.Join(parts, "; "))
	case e.Task != "":
		fmt.Fprintf(&b, ": task %q", e.Task)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GraphError) Is(target error) bool {
	return target == e.Kind
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// CycleMembers returns the IDs of every task that sits on a cycle.
func (e *GraphError) CycleMembers() []string {
	var out []string
	for _, c := range e.Cycles {
		out = append(out, c...)
	}
	return out
}

// UnregisteredFunctionError names the task whose handler is missing.
type UnregisteredFunctionError struct {
	Task     string
	Function string
}

func (e *UnregisteredFunctionError) Error() string {
	return fmt.Sprintf("%s: task %q uses function %q", ErrUnregisteredFunction, e.Task, e.Function)
}

func (e *UnregisteredFunctionError) Is(target error) bool {
	return target == ErrUnregisteredFunction
}

// TaskFailedError is returned when a task exhausted its attempts. Err is the
// error from the last attempt.
type TaskFailedError struct {
	TaskID   string
	Attempts int
	// Route is the label of the model slot used by the last attempt, if any.
	Route string
	Err   error
}

func (e *TaskFailedError) Error() string {
	if e.Route != "" {
		return fmt.Sprintf("%s: task %q after %d attempts (last route %s): %v",
			ErrTaskExecutionFailed, e.TaskID, e.Attempts, e.Route, e.Err)
	}
	return fmt.Sprintf("%s: task %q after %d attempts: %v", ErrTaskExecutionFailed, e.TaskID, e.Attempts, e.Err)
}

func (e *TaskFailedError) Is(target error) bool {
	return target == ErrTaskExecutionFailed
}

func (e *TaskFailedError) Unwrap() error {
	return e.Err
}
