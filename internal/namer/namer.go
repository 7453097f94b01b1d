// Package namer maps (evaluation request, expression) pairs to the flat output
// column names written to the sink.
//
// The default column is libraryId + delimiter + expressionName. An explicit
// outputColumn on the expression configuration replaces it. Names must be
// unique among all requests that share a context key; requests for different
// contexts never land in the same record and may reuse names.
package namer

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"cohorteval/internal/config"
)

// DefaultDelimiter separates library id and expression name in default columns.
const DefaultDelimiter = "|"

// ErrCollision is wrapped by the error New returns when two expressions of the
// same context resolve to one column.
var ErrCollision = errors.New("output column collision")

// Namer resolves output columns. It is immutable after New and safe for
// concurrent use.
type Namer struct {
	// columns[requestIndex][expressionName] = output column
	columns []map[string]string
}

type contributor struct {
	library    string
	expression string
}

// New resolves every expression of spec and fails if any context ends up with
// a duplicated column. The error lists every duplicate, sorted by context and
// column, with each contributing library.expression.
func New(spec config.JobSpecification, delimiter string) (*Namer, error) {
	n := &Namer{columns: make([]map[string]string, len(spec.Evaluations))}

	// context -> column -> contributors
	seen := map[string]map[string][]contributor{}

	for i, req := range spec.Evaluations {
		cols := make(map[string]string, len(req.Expressions))
		byColumn := seen[req.ContextKey]
		if byColumn == nil {
			byColumn = map[string][]contributor{}
			seen[req.ContextKey] = byColumn
		}
		for _, e := range req.Expressions {
			col := e.OutputColumn
			if col == "" {
				col = req.Library.ID + delimiter + e.Name
			}
			cols[e.Name] = col
			byColumn[col] = append(byColumn[col], contributor{library: req.Library.ID, expression: e.Name})
		}
		n.columns[i] = cols
	}

	var dups []string
	for ctxName, byColumn := range seen {
		for col, who := range byColumn {
			if len(who) < 2 {
				continue
			}
			parts := make([]string, len(who))
			for k, c := range who {
				parts[k] = c.library + "." + c.expression
			}
			dups = append(dups, fmt.Sprintf("Output column %s defined multiple times for context %s: %s",
				col, ctxName, strings.Join(parts, ", ")))
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, fmt.Errorf("%w: %s", ErrCollision, strings.Join(dups, "; "))
	}
	return n, nil
}

// Resolve returns the output column for expression of the request at
// requestIndex in the job specification.
func (n *Namer) Resolve(requestIndex int, expression string) (string, bool) {
	if requestIndex < 0 || requestIndex >= len(n.columns) {
		return "", false
	}
	col, ok := n.columns[requestIndex][expression]
	return col, ok
}

// Columns returns the resolved columns of every request keyed to context,
// sorted. Sinks with a fixed schema use it to declare their columns up front.
func (n *Namer) Columns(spec config.JobSpecification, context string) []string {
	var out []string
	for i, req := range spec.Evaluations {
		if req.ContextKey != context || i >= len(n.columns) {
			continue
		}
		for _, col := range n.columns[i] {
			out = append(out, col)
		}
	}
	sort.Strings(out)
	return out
}
