package celengine

import (
	"context"
	"fmt"

	"cohorteval/internal/dataset"
	"cohorteval/internal/engine"
)

// Evaluator runs CEL libraries. It holds no state; compiled programs live in
// the LibraryResolver passed to Evaluate.
type Evaluator struct{}

// New returns an Evaluator.
func New() *Evaluator { return &Evaluator{} }

var _ engine.Evaluator = (*Evaluator)(nil)

// Evaluate resolves req.Library, expands the value sets it declares, and
// evaluates every requested expression against req.Data.
func (Evaluator) Evaluate(ctx context.Context, libs engine.LibraryResolver, terms engine.TerminologyResolver, req engine.Request) (map[string]any, error) {
	lib, err := libs.Resolve(req.Library)
	if err != nil {
		return nil, err
	}

	programs := make(map[string]engine.Program, len(req.Expressions))
	for _, name := range req.Expressions {
		prg, ok := lib.Expressions[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s in library %s", engine.ErrExpressionNotFound, name, req.Library)
		}
		programs[name] = prg
	}

	valueSets := make(map[string][]string, len(lib.ValueSets))
	for _, id := range lib.ValueSets {
		if terms == nil {
			return nil, fmt.Errorf("library %s references value set %s but no terminology is configured", req.Library, id)
		}
		codes, err := terms.Expand(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("expand value set %s: %w", id, err)
		}
		list := make([]string, len(codes))
		for i, c := range codes {
			list[i] = c.Code
		}
		valueSets[id] = list
	}

	params := req.Parameters
	if params == nil {
		params = map[string]any{}
	}
	key, _ := dataset.KeyString(req.Data.ContextKey())
	activation := map[string]any{
		"data":      dataOf(req.Data),
		"params":    params,
		"context":   key,
		"valueSets": valueSets,
	}

	out := make(map[string]any, len(programs))
	for name, prg := range programs {
		v, err := prg.Eval(ctx, activation)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s.%s: %w", req.Library.ID, name, err)
		}
		out[name] = v
	}
	return out, nil
}

func dataOf(d engine.DataAdapter) map[string][]map[string]any {
	out := make(map[string][]map[string]any)
	for _, typ := range d.Types() {
		recs := d.Records(typ)
		conv := make([]map[string]any, len(recs))
		for i, r := range recs {
			m := make(map[string]any, len(r))
			for k, v := range r {
				m[k] = fromField(v)
			}
			conv[i] = m
		}
		out[typ] = conv
	}
	return out
}
