package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

type fakePool struct {
	execs   []string
	table   pgx.Identifier
	columns []string
	rows    [][]any
	copyErr error
	closed  bool
}

func (f *fakePool) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakePool) CopyFrom(_ context.Context, table pgx.Identifier, cols []string, src pgx.CopyFromSource) (int64, error) {
	if f.copyErr != nil {
		return 0, f.copyErr
	}
	f.table, f.columns = table, cols
	var n int64
	for src.Next() {
		v, err := src.Values()
		if err != nil {
			return n, err
		}
		f.rows = append(f.rows, v)
		n++
	}
	return n, src.Err()
}

func (f *fakePool) Close() { f.closed = true }

// Tests in this file swap the package-level connect hook and must not run in
// parallel.
func withFakePool(t *testing.T, f *fakePool) {
	t.Helper()
	orig := connect
	connect = func(context.Context, string) (pool, error) { return f, nil }
	t.Cleanup(func() { connect = orig })
}

func TestWriter_CopiesRows(t *testing.T) {
	f := &fakePool{}
	withFakePool(t, f)

	w, err := storage.New(context.Background(), storage.Config{
		Kind:    "postgres",
		DSN:     "postgres://x",
		Target:  "public.results",
		BatchID: "b1",
		Columns: []string{"lib|A"},
	})
	require.NoError(t, err)
	require.Len(t, f.execs, 1)
	require.True(t, strings.HasPrefix(f.execs[0], `CREATE TABLE IF NOT EXISTS "public"."results"`))

	n, err := w.Write(context.Background(), []evaluator.EvaluationResult{
		{Key: "p1", Columns: map[string]any{"lib|A": 3}},
		{Key: "p2", Columns: map[string]any{}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, pgx.Identifier{"public", "results"}, f.table)
	require.Equal(t, []string{"context_key", "batch_id", "lib|A"}, f.columns)
	require.Equal(t, []any{"p1", "b1", "3"}, f.rows[0])
	require.Equal(t, []any{"p2", "b1", nil}, f.rows[1])

	require.NoError(t, w.Close())
	require.True(t, f.closed)
}

func TestWriter_CopyErrorDetail(t *testing.T) {
	f := &fakePool{copyErr: &pgconn.PgError{Code: "22P02", Detail: "bad value"}}
	withFakePool(t, f)

	w, err := NewWriter(context.Background(), storage.Config{Target: "r", Columns: []string{"c"}})
	require.NoError(t, err)
	_, err = w.Write(context.Background(), []evaluator.EvaluationResult{{Key: "k"}})
	require.ErrorContains(t, err, "bad value (22P02)")
}

func TestWriter_ConnectError(t *testing.T) {
	orig := connect
	connect = func(context.Context, string) (pool, error) { return nil, errors.New("refused") }
	t.Cleanup(func() { connect = orig })

	_, err := NewWriter(context.Background(), storage.Config{Target: "r"})
	require.ErrorContains(t, err, "refused")
}
