// Package mssql writes evaluation results into a SQL Server table using the
// go-mssqldb bulk copy API.
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	mssql "github.com/microsoft/go-mssqldb"
	"github.com/microsoft/go-mssqldb/msdsn"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

// Writer is a SQL Server backed storage.Writer.
type Writer struct {
	db   *sql.DB
	cfg  storage.Config
	cols []string
}

var _ storage.Writer = (*Writer)(nil)

// openDB is a test hook that opens and pings the database.
var openDB = func(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func init() {
	storage.Register("mssql", func(ctx context.Context, cfg storage.Config) (storage.Writer, error) {
		return NewWriter(ctx, cfg)
	})
}

// NewWriter validates the DSN, connects and creates cfg.Target if missing.
func NewWriter(ctx context.Context, cfg storage.Config) (*Writer, error) {
	if _, err := msdsn.Parse(cfg.DSN); err != nil {
		return nil, fmt.Errorf("mssql dsn: %w", err)
	}
	db, err := openDB(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL(cfg)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mssql: create table %s: %w", cfg.Target, err)
	}
	return &Writer{db: db, cfg: cfg, cols: storage.TableColumns(cfg)}, nil
}

// createTableSQL guards CREATE TABLE with OBJECT_ID since SQL Server has no
// CREATE TABLE IF NOT EXISTS.
func createTableSQL(cfg storage.Config) string {
	fqn := storage.QuoteFQN(cfg.Target, msIdent)
	return fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL\nCREATE TABLE %s (\n  %s\n)",
		strings.ReplaceAll(fqn, "'", "''"),
		fqn,
		strings.Join(storage.ColumnDefs(cfg, "NVARCHAR(MAX)", msIdent), ",\n  "),
	)
}

// Write bulk-copies rows inside one transaction.
func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values, err := storage.TableRows(w.cfg, rows)
	if err != nil {
		return 0, fmt.Errorf("mssql: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	rollback := func() { _ = tx.Rollback() }

	stmt, err := tx.PrepareContext(ctx, mssql.CopyIn(w.cfg.Target, mssql.BulkOptions{}, w.cols...))
	if err != nil {
		rollback()
		return 0, fmt.Errorf("prepare bulk copy: %w", err)
	}
	for i, row := range values {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = stmt.Close()
			rollback()
			return 0, fmt.Errorf("bulk row %d: %w", i, err)
		}
	}
	res, err := stmt.ExecContext(ctx)
	if cerr := stmt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		rollback()
		return 0, fmt.Errorf("bulk finalize: %w", err)
	}
	copied, err := res.RowsAffected()
	if err != nil {
		rollback()
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return copied, nil
}

// Close closes the database handle.
func (w *Writer) Close() error { return w.db.Close() }

// msIdent quotes a SQL Server identifier with brackets.
func msIdent(id string) string { return `[` + strings.ReplaceAll(id, `]`, `]]`) + `]` }
