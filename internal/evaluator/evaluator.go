// Package evaluator runs the job specification against one context instance
// at a time and produces its flat output row.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"cohorteval/internal/config"
	"cohorteval/internal/engine"
	"cohorteval/internal/namer"
	"cohorteval/internal/partition"
)

// ErrDuplicateColumn is wrapped when one evaluation writes the same output
// column twice.
var ErrDuplicateColumn = errors.New("output column written twice")

// EvaluationResult is the output row of one context instance.
type EvaluationResult struct {
	Key     any
	Columns map[string]any
}

// Filters narrows the job specification at run time.
type Filters struct {
	// Libraries keeps only requests whose library id is a key. Versions are
	// ignored. Empty keeps all.
	Libraries map[string]string
	// Expressions intersects each request's expressions. Empty keeps all.
	Expressions []string
}

// plan is one request after filtering, with parameters merged and converted.
type plan struct {
	index       int
	library     engine.LibraryRef
	expressions []string
	params      map[string]any
}

// ContextEvaluator evaluates record groups. It is immutable after
// construction and shared by all workers; per-worker state lives in the
// WorkerCache passed to Evaluate.
type ContextEvaluator struct {
	engine engine.Evaluator
	namer  *namer.Namer
	plans  map[string][]plan
	debug  bool
}

// NewContextEvaluator prepares the evaluation plans of every context named in
// spec. Global parameters fill gaps in each request's parameters; the spec
// itself is not modified.
func NewContextEvaluator(spec config.JobSpecification, n *namer.Namer, eng engine.Evaluator, f Filters, debug bool) (*ContextEvaluator, error) {
	e := &ContextEvaluator{engine: eng, namer: n, plans: map[string][]plan{}, debug: debug}
	for i, req := range spec.Evaluations {
		if len(f.Libraries) > 0 {
			if _, ok := f.Libraries[req.Library.ID]; !ok {
				continue
			}
		}
		var exprs []string
		for _, ec := range req.Expressions {
			if len(f.Expressions) > 0 && !slices.Contains(f.Expressions, ec.Name) {
				continue
			}
			exprs = append(exprs, ec.Name)
		}
		if len(exprs) == 0 {
			continue
		}

		merged := config.MergeParameters(req.Parameters, spec.GlobalParameters)
		params := make(map[string]any, len(merged))
		for name, p := range merged {
			v, err := p.Native()
			if err != nil {
				return nil, fmt.Errorf("evaluations[%d] parameter %s: %w", i, name, err)
			}
			params[name] = v
		}

		e.plans[req.ContextKey] = append(e.plans[req.ContextKey], plan{
			index: i,
			library: engine.LibraryRef{
				ID:      req.Library.ID,
				Version: req.Library.Version,
				Format:  req.Library.Format,
			},
			expressions: exprs,
			params:      params,
		})
	}
	return e, nil
}

// Requests returns how many requests survive filtering for contextName.
func (e *ContextEvaluator) Requests(contextName string) int { return len(e.plans[contextName]) }

// Columns returns the sorted output columns contextName produces after
// filtering.
func (e *ContextEvaluator) Columns(contextName string) []string {
	var out []string
	for _, p := range e.plans[contextName] {
		for _, name := range p.expressions {
			if col, ok := e.namer.Resolve(p.index, name); ok {
				out = append(out, col)
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Evaluate runs every surviving request of contextName against g. Requested
// expressions the engine returns no value for are written as nil.
func (e *ContextEvaluator) Evaluate(ctx context.Context, contextName string, g partition.RecordGroup, cache *WorkerCache) (EvaluationResult, error) {
	libs, terms, err := cache.Resolvers()
	if err != nil {
		return EvaluationResult{}, err
	}

	res := EvaluationResult{Key: g.Key, Columns: map[string]any{}}
	data := recordGroupAdapter{g}

	for _, p := range e.plans[contextName] {
		// Engines may keep or mutate the map.
		out, err := e.engine.Evaluate(ctx, libs, terms, engine.Request{
			Library:     p.library,
			Expressions: p.expressions,
			Parameters:  maps.Clone(p.params),
			Data:        data,
		})
		if err != nil {
			return EvaluationResult{}, &EvaluationError{Context: contextName, ContextKey: g.Key, Library: p.library.String(), Err: err}
		}
		for _, name := range p.expressions {
			col, ok := e.namer.Resolve(p.index, name)
			if !ok {
				return EvaluationResult{}, &EvaluationError{Context: contextName, ContextKey: g.Key, Library: p.library.String(),
					Err: fmt.Errorf("no output column for expression %s", name)}
			}
			if _, dup := res.Columns[col]; dup {
				return EvaluationResult{}, &EvaluationError{Context: contextName, ContextKey: g.Key, Library: p.library.String(),
					Err: fmt.Errorf("%w: %s", ErrDuplicateColumn, col)}
			}
			res.Columns[col] = out[name]
		}
	}

	if e.debug {
		slog.Debug("evaluator: result", "context", contextName, "key", g.Key, "columns", res.Columns)
	}
	return res, nil
}

// recordGroupAdapter exposes a RecordGroup through engine.DataAdapter.
type recordGroupAdapter struct{ g partition.RecordGroup }

func (a recordGroupAdapter) ContextKey() any { return a.g.Key }

func (a recordGroupAdapter) Types() []string {
	return slices.Sorted(maps.Keys(a.g.ByType))
}

func (a recordGroupAdapter) Records(dataType string) []map[string]any {
	recs := a.g.ByType[dataType]
	out := make([]map[string]any, len(recs))
	for i, r := range recs {
		out[i] = r.Fields
	}
	return out
}

var _ engine.DataAdapter = recordGroupAdapter{}
