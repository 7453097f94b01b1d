package storage

import (
	"fmt"
	"strings"

	"cohorteval/internal/evaluator"
)

// Quoter quotes a single SQL identifier in a backend's dialect.
type Quoter func(ident string) string

// QuoteFQN quotes each dot-separated segment of a possibly schema-qualified
// table name.
func QuoteFQN(name string, q Quoter) string {
	parts := strings.Split(name, ".")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, q(p))
	}
	return strings.Join(out, ".")
}

// ColumnDefs returns the column definitions of a tabular sink. The key and
// batch columns are NOT NULL and every column uses textType.
func ColumnDefs(cfg Config, textType string, q Quoter) []string {
	cols := TableColumns(cfg)
	defs := make([]string, 0, len(cols))
	for i, c := range cols {
		d := q(c) + " " + textType
		if i < 2 {
			d += " NOT NULL"
		}
		defs = append(defs, d)
	}
	return defs
}

// CreateTableSQL renders the table of a tabular sink:
//
//	CREATE TABLE IF NOT EXISTS "table" (
//	  "context_key" TEXT NOT NULL,
//	  "batch_id" TEXT NOT NULL,
//	  "lib|A" TEXT
//	)
func CreateTableSQL(cfg Config, textType string, q Quoter) string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		QuoteFQN(cfg.Target, q), strings.Join(ColumnDefs(cfg, textType, q), ",\n  "))
}

// QuoteAll quotes every identifier in cols.
func QuoteAll(cols []string, q Quoter) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = q(c)
	}
	return out
}

// TableRows converts a batch into rows aligned with TableColumns.
func TableRows(cfg Config, batch []evaluator.EvaluationResult) ([][]any, error) {
	rows := make([][]any, 0, len(batch))
	for _, r := range batch {
		row, err := TableRow(cfg, r)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}
