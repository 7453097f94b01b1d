// Package sqlite writes evaluation results into a SQLite table using
// database/sql. Each batch is inserted inside one transaction with a prepared
// statement.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

// Writer is a SQLite-backed storage.Writer.
type Writer struct {
	db     *sql.DB
	cfg    storage.Config
	insert string
}

var _ storage.Writer = (*Writer)(nil)

// newWriter is a test hook that points to NewWriter by default.
var newWriter = NewWriter

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Writer, error) {
		return newWriter(ctx, cfg)
	})
}

// NewWriter opens cfg.DSN, pings it and creates cfg.Target if missing.
//
// DSN is passed directly to database/sql, e.g. "file:out.db" or "out.db".
func NewWriter(ctx context.Context, cfg storage.Config) (*Writer, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: DSN must not be empty")
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, storage.CreateTableSQL(cfg, "TEXT", quoteIdent)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create table %s: %w", cfg.Target, err)
	}
	return &Writer{db: db, cfg: cfg, insert: insertSQL(cfg)}, nil
}

func insertSQL(cfg storage.Config) string {
	cols := storage.TableColumns(cfg)
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		storage.QuoteFQN(cfg.Target, quoteIdent),
		strings.Join(storage.QuoteAll(cols, quoteIdent), ", "),
		ph,
	)
}

// Write inserts rows in a single transaction. On error nothing from the
// batch is committed.
func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values, err := storage.TableRows(w.cfg, rows)
	if err != nil {
		return 0, fmt.Errorf("sqlite: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin tx: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, w.insert)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	var inserted int64
	for _, row := range values {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("sqlite: insert: %w", err)
		}
		inserted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit: %w", err)
	}
	return inserted, nil
}

// Close closes the database handle.
func (w *Writer) Close() error { return w.db.Close() }

func quoteIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}
