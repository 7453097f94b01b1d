package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

func readLines(t *testing.T, path string) []storage.Line {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var out []storage.Line
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l storage.Line
		require.NoError(t, json.Unmarshal(sc.Bytes(), &l))
		out = append(out, l)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestWriter_SinglePartition(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "out")
	w, err := storage.New(context.Background(), storage.Config{Kind: "file", Target: dir, BatchID: "b1"})
	require.NoError(t, err)

	n, err := w.Write(context.Background(), []evaluator.EvaluationResult{
		{Key: "p1", Columns: map[string]any{"lib|A": true, "B": nil}},
		{Key: "p2", Columns: map[string]any{"lib|A": false, "B": "x"}},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.NoError(t, w.Close())

	lines := readLines(t, filepath.Join(dir+"-b1", PartName(0)))
	require.Len(t, lines, 2)
	require.Equal(t, "p1", lines[0].Key)
	require.Equal(t, true, lines[0].Values["lib|A"])
	require.Contains(t, lines[0].Values, "B")
	require.Nil(t, lines[0].Values["B"])
	require.Equal(t, "x", lines[1].Values["B"])
}

func TestWriter_Partitions(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "parts")
	w, err := New(dir, 3)
	require.NoError(t, err)

	var rows []evaluator.EvaluationResult
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		rows = append(rows, evaluator.EvaluationResult{Key: k, Columns: map[string]any{}})
	}
	_, err = w.Write(context.Background(), rows)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	total := 0
	for i := range 3 {
		lines := readLines(t, filepath.Join(dir, PartName(i)))
		for _, l := range lines {
			require.Equal(t, i, storage.Partition(l.Key, 3))
		}
		total += len(lines)
	}
	require.Equal(t, 7, total)
}

func TestWriter_RefusesExistingDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	_, err := New(dir, 1)
	require.ErrorContains(t, err, "already exists")
}
