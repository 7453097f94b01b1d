// Package postgres writes evaluation results into a Postgres table using pgx
// v5. Each batch is streamed with COPY.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

// pool is the subset of *pgxpool.Pool the writer uses.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// connect is a test hook; tests replace it to avoid a live server.
var connect = func(ctx context.Context, dsn string) (pool, error) {
	p, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// Writer is a Postgres-backed storage.Writer.
type Writer struct {
	pool  pool
	cfg   storage.Config
	table pgx.Identifier
	cols  []string
}

var _ storage.Writer = (*Writer)(nil)

func init() {
	storage.Register("postgres", func(ctx context.Context, cfg storage.Config) (storage.Writer, error) {
		return NewWriter(ctx, cfg)
	})
}

// NewWriter connects to cfg.DSN and creates cfg.Target if missing.
func NewWriter(ctx context.Context, cfg storage.Config) (*Writer, error) {
	p, err := connect(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if _, err := p.Exec(ctx, storage.CreateTableSQL(cfg, "text", pgIdent)); err != nil {
		p.Close()
		return nil, fmt.Errorf("postgres: create table %s: %w", cfg.Target, err)
	}
	return &Writer{
		pool:  p,
		cfg:   cfg,
		table: identifier(cfg.Target),
		cols:  storage.TableColumns(cfg),
	}, nil
}

// Write copies rows into the target table.
func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	values, err := storage.TableRows(w.cfg, rows)
	if err != nil {
		return 0, fmt.Errorf("postgres: %w", err)
	}
	n, err := w.pool.CopyFrom(ctx, w.table, w.cols, pgx.CopyFromRows(values))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Detail != "" {
			return n, fmt.Errorf("postgres: copy: %s (%s)", pgErr.Detail, pgErr.SQLState())
		}
		return n, fmt.Errorf("postgres: copy: %w", err)
	}
	return n, nil
}

// Close releases the pool.
func (w *Writer) Close() error {
	w.pool.Close()
	return nil
}

// pgIdent quotes a Postgres identifier.
func pgIdent(id string) string { return `"` + strings.ReplaceAll(id, `"`, `""`) + `"` }

// identifier splits a possibly schema-qualified name for pgx.
func identifier(name string) pgx.Identifier {
	var out pgx.Identifier
	for _, p := range strings.Split(name, ".") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
