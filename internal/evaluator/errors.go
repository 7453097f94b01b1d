package evaluator

import "fmt"

// SetupError reports a failure to build a worker's resolvers. It is fatal to
// the worker and therefore to the run.
type SetupError struct {
	Component string // "library resolver" or "terminology resolver"
	Err       error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("worker setup: %s: %v", e.Component, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// EvaluationError reports a failure evaluating one context instance.
type EvaluationError struct {
	Context    string // context definition name
	ContextKey any
	Library    string
	Err        error
}

func (e *EvaluationError) Error() string {
	if e.Library == "" {
		return fmt.Sprintf("evaluate %s %v: %v", e.Context, e.ContextKey, e.Err)
	}
	return fmt.Sprintf("evaluate %s %v (library %s): %v", e.Context, e.ContextKey, e.Library, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }
