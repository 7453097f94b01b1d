// Package storage contains the sink contract, the backend registry and the
// batched loader that drains evaluation results into a sink.
//
// Backends register a Factory for their kind in init; importing
// cohorteval/internal/storage/all enables every built-in backend.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/zeebo/xxh3"

	"cohorteval/internal/dataset"
	"cohorteval/internal/evaluator"
)

// Fixed columns every tabular sink writes ahead of the result columns.
const (
	KeyColumn   = "context_key"
	BatchColumn = "batch_id"
)

// Writer receives the output rows of one context definition.
type Writer interface {
	// Write persists rows and returns how many were written.
	Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error)
	// Close flushes and releases the sink.
	Close() error
}

// Config describes one sink instance.
type Config struct {
	Kind string // file, postgres, sqlite, mssql, mysql, s3
	DSN  string // connection string for database and object store sinks

	// Context is the context definition name the rows belong to.
	Context string
	// Target is the configured output location: a directory, a table name or
	// an object prefix.
	Target string
	// BatchID identifies the run. File-like sinks append it to Target;
	// tabular sinks store it in BatchColumn.
	BatchID string
	// Columns are the result columns, sorted.
	Columns []string
	// Partitions is the number of output files or objects. Zero means one.
	Partitions int
}

// Location returns Target with "-<batch id>" appended, or Target alone when
// there is no batch id.
func (c Config) Location() string {
	if c.BatchID == "" {
		return c.Target
	}
	return c.Target + "-" + c.BatchID
}

// Validate reports configuration errors common to all backends.
func (c Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("storage: no target for context %q", c.Context)
	}
	if slices.Contains(c.Columns, KeyColumn) || slices.Contains(c.Columns, BatchColumn) {
		return fmt.Errorf("storage: result column clashes with reserved column %q or %q", KeyColumn, BatchColumn)
	}
	if c.Partitions < 0 {
		return fmt.Errorf("storage: partitions must not be negative")
	}
	return nil
}

// Factory opens a Writer for cfg.
type Factory func(ctx context.Context, cfg Config) (Writer, error)

var (
	regMu     sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers (or replaces) the factory for kind.
func Register(kind string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	factories[kind] = f
}

// Kinds lists the registered backend kinds, sorted.
func Kinds() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New validates cfg and opens a Writer using the factory registered for
// cfg.Kind.
func New(ctx context.Context, cfg Config) (Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	regMu.RLock()
	f, ok := factories[cfg.Kind]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: unknown sink kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// TableColumns returns the full column list of a tabular sink.
func TableColumns(cfg Config) []string {
	return append([]string{KeyColumn, BatchColumn}, cfg.Columns...)
}

// TableRow flattens r into values aligned with TableColumns. The key is
// stored in its string form; result values are JSON-encoded text, nil stays
// NULL.
func TableRow(cfg Config, r evaluator.EvaluationResult) ([]any, error) {
	row := make([]any, 0, len(cfg.Columns)+2)
	key, _ := dataset.KeyString(r.Key)
	row = append(row, key, cfg.BatchID)
	for _, col := range cfg.Columns {
		v, ok := r.Columns[col]
		if !ok || v == nil {
			row = append(row, nil)
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode column %s for key %s: %w", col, key, err)
		}
		row = append(row, string(b))
	}
	return row, nil
}

// Line is the JSON shape of one row in file-like sinks.
type Line struct {
	Key    any            `json:"key"`
	Values map[string]any `json:"values"`
}

// Partition returns the output partition of key among n partitions.
func Partition(key any, n int) int {
	if n <= 1 {
		return 0
	}
	k, _ := dataset.KeyString(key)
	return int(xxh3.HashString(k) % uint64(n))
}
