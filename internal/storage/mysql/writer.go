// Package mysql writes evaluation results into a MySQL table using
// go-sql-driver/mysql. Each batch is inserted with multi-row INSERT
// statements inside one transaction.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

// maxPlaceholders is the prepared statement parameter limit of MySQL.
const maxPlaceholders = 65535

// Writer is a MySQL-backed storage.Writer.
type Writer struct {
	db   *sql.DB
	cfg  storage.Config
	cols []string
}

var _ storage.Writer = (*Writer)(nil)

// openDB is a test hook that opens and pings the database.
var openDB = func(ctx context.Context, cfg *mysql.Config) (*sql.DB, error) {
	conn, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(conn)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

func init() {
	storage.Register("mysql", func(ctx context.Context, cfg storage.Config) (storage.Writer, error) {
		return NewWriter(ctx, cfg)
	})
}

// NewWriter parses the DSN (user:pass@tcp(host:3306)/db), connects and
// creates cfg.Target if missing.
func NewWriter(ctx context.Context, cfg storage.Config) (*Writer, error) {
	mc, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mysql dsn: %w", err)
	}
	db, err := openDB(ctx, mc)
	if err != nil {
		return nil, fmt.Errorf("mysql: %w", err)
	}
	if _, err := db.ExecContext(ctx, storage.CreateTableSQL(cfg, "LONGTEXT", quoteIdent)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mysql: create table %s: %w", cfg.Target, err)
	}
	return &Writer{db: db, cfg: cfg, cols: storage.TableColumns(cfg)}, nil
}

// insertSQL renders an INSERT for n rows.
func insertSQL(cfg storage.Config, cols []string, n int) string {
	row := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		storage.QuoteFQN(cfg.Target, quoteIdent),
		strings.Join(storage.QuoteAll(cols, quoteIdent), ","),
		strings.TrimSuffix(strings.Repeat(row+",", n), ","),
	)
}

// Write inserts rows in one transaction, chunked below the placeholder limit.
func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values, err := storage.TableRows(w.cfg, rows)
	if err != nil {
		return 0, fmt.Errorf("mysql: %w", err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("mysql: begin tx: %w", err)
	}
	per := max(1, maxPlaceholders/len(w.cols))
	var inserted int64
	for start := 0; start < len(values); start += per {
		chunk := values[start:min(start+per, len(values))]
		args := make([]any, 0, len(chunk)*len(w.cols))
		for _, r := range chunk {
			args = append(args, r...)
		}
		res, err := tx.ExecContext(ctx, insertSQL(w.cfg, w.cols, len(chunk)), args...)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("mysql: insert: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("mysql: commit: %w", err)
	}
	return inserted, nil
}

// Close closes the database handle.
func (w *Writer) Close() error { return w.db.Close() }

func quoteIdent(id string) string { return "`" + strings.ReplaceAll(id, "`", "``") + "`" }
