// Package engine is the boundary to the expression engine. The pipeline only
// sees these interfaces; celengine provides the implementation used by the
// CLI.
package engine

import (
	"context"
	"errors"
)

var (
	// ErrLibraryNotFound is wrapped when a library reference cannot be resolved.
	ErrLibraryNotFound = errors.New("library not found")
	// ErrExpressionNotFound is wrapped when a requested expression is not
	// defined by the resolved library.
	ErrExpressionNotFound = errors.New("expression not found")
	// ErrUnsupportedFormat is wrapped when a library has a format the engine
	// cannot evaluate.
	ErrUnsupportedFormat = errors.New("unsupported library format")
)

// LibraryRef identifies a library. An empty Version selects the newest one
// available.
type LibraryRef struct {
	ID      string
	Version string
	Format  string
}

func (r LibraryRef) String() string {
	if r.Version == "" {
		return r.ID
	}
	return r.ID + "-" + r.Version
}

// Program is one compiled expression.
type Program interface {
	Eval(ctx context.Context, activation map[string]any) (any, error)
}

// Library is a resolved, compiled library.
type Library struct {
	ID      string
	Version string
	// ValueSets lists the value set ids the library's expressions reference.
	ValueSets   []string
	Expressions map[string]Program
}

// LibraryResolver resolves and compiles libraries. Implementations are owned
// by a single worker and need not be safe for concurrent use.
type LibraryResolver interface {
	Resolve(ref LibraryRef) (*Library, error)
}

// Code is one member of a value set.
type Code struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// TerminologyResolver expands value sets to their member codes.
type TerminologyResolver interface {
	Expand(ctx context.Context, valueSetID string) ([]Code, error)
}

// DataAdapter exposes the records of one context instance to expressions.
type DataAdapter interface {
	// ContextKey is the key of the context instance being evaluated.
	ContextKey() any
	// Types lists the data types present, sorted.
	Types() []string
	// Records returns the field maps of dataType in input order.
	Records(dataType string) []map[string]any
}

// Request is one evaluation call: a set of expressions from one library
// against one context instance.
type Request struct {
	Library     LibraryRef
	Expressions []string
	Parameters  map[string]any
	Data        DataAdapter
}

// Evaluator runs expressions. It returns one entry per requested expression.
type Evaluator interface {
	Evaluate(ctx context.Context, libs LibraryResolver, terms TerminologyResolver, req Request) (map[string]any, error)
}
