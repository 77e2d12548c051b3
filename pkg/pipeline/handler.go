package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/avi3tal/dagpipe/pkg/llm"
)

// ErrNoModel is returned by ModelHandler when a task runs without a routed model.
var ErrNoModel = errors.New("no model available for task")

// Input is everything a handler receives for one attempt.
type Input struct {
	Task Task
	// Context maps task IDs (and initial-state keys) to completed results.
	// It is a private copy; changes made by the handler are discarded.
	Context map[string]any
	// Model is the routed caller, wrapped by the constrained generator when
	// the task declares an output schema. It is nil for deterministic tasks
	// and when the pipeline has no router.
	Model llm.Caller
	// Route is the label of the slot behind Model.
	Route string
	// Attempt counts from 1.
	Attempt int
	// LastError is the error of the previous attempt, nil on the first.
	LastError error
}

// Dependency returns the result of one of the task's dependencies.
func (in Input) Dependency(id string) (any, bool) {
	v, ok := in.Context[id]
	return v, ok
}

// Handler performs the work of every task bound to its function name.
type Handler interface {
	Run(ctx context.Context, in Input) (any, error)
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (any, error)

func (f HandlerFunc) Run(ctx context.Context, in Input) (any, error) {
	return f(ctx, in)
}

// Registry maps function names to handlers.
type Registry map[string]Handler

// Register adds a handler and returns the registry for chaining.
func (r Registry) Register(name string, h Handler) Registry {
	r[name] = h
	return r
}

// RegisterFunc adds a function handler.
func (r Registry) RegisterFunc(name string, fn func(ctx context.Context, in Input) (any, error)) Registry {
	return r.Register(name, HandlerFunc(fn))
}

// ModelHandler returns a handler that asks the routed model to perform the
// task. The prompt holds the task description, the previous attempt's error
// and the results of the task's dependencies as JSON. Structured replies
// (from a task with an output schema) are returned as values, plain replies
// as text.
func ModelHandler(system string) Handler {
	return HandlerFunc(func(ctx context.Context, in Input) (any, error) {
		if in.Model == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoModel, in.Task.ID)
		}
		prompt, err := buildPrompt(in)
		if err != nil {
			return nil, err
		}
		resp, err := in.Model.Call(ctx, llm.PromptRequest(system, prompt))
		if err != nil {
			return nil, err
		}
		if resp.Value != nil {
			return resp.Value, nil
		}
		return resp.Text, nil
	})
}

func buildPrompt(in Input) (string, error) {
	var b strings.Builder
	if in.Task.Description != "" {
		b.WriteString(in.Task.Description)
	} else {
		fmt.Fprintf(&b, "Perform task %q.", in.Task.ID)
	}

	if len(in.Task.DependsOn) > 0 {
		inputs := make(map[string]any, len(in.Task.DependsOn))
		for _, dep := range in.Task.DependsOn {
			if v, ok := in.Context[dep]; ok {
				inputs[dep] = v
			}
		}
		data, err := json.MarshalIndent(inputs, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encode inputs for task %q: %w", in.Task.ID, err)
		}
		b.WriteString("\n\nInputs:\n")
		b.Write(data)
	}

	if in.LastError != nil {
		fmt.Fprintf(&b, "\n\nThe previous attempt failed: %v", in.LastError)
	}
	return b.String(), nil
}
