// Package file writes evaluation results as JSON lines under a local
// directory, one part file per output partition.
package file

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

// Writer appends rows to <location>/part-NNNNN.jsonl.
type Writer struct {
	dir   string
	files []*os.File
	bufs  []*bufio.Writer
	encs  []*json.Encoder
	n     int
}

var _ storage.Writer = (*Writer)(nil)

func init() {
	storage.Register("file", func(_ context.Context, cfg storage.Config) (storage.Writer, error) {
		return New(cfg.Location(), cfg.Partitions)
	})
}

// New creates dir and one part file per partition. dir must not exist yet so
// two runs never mix their output.
func New(dir string, partitions int) (*Writer, error) {
	if partitions < 1 {
		partitions = 1
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("file sink: %s already exists", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file sink: %w", err)
	}
	w := &Writer{dir: dir, n: partitions}
	for i := range partitions {
		f, err := os.Create(filepath.Join(dir, PartName(i)))
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("file sink: %w", err)
		}
		bw := bufio.NewWriterSize(f, 1<<16)
		w.files = append(w.files, f)
		w.bufs = append(w.bufs, bw)
		w.encs = append(w.encs, json.NewEncoder(bw))
	}
	return w, nil
}

// PartName is the file name of partition i.
func PartName(i int) string { return fmt.Sprintf("part-%05d.jsonl", i) }

// Dir returns the directory rows are written to.
func (w *Writer) Dir() string { return w.dir }

func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	var n int64
	for _, r := range rows {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		p := storage.Partition(r.Key, w.n)
		if err := w.encs[p].Encode(storage.Line{Key: r.Key, Values: r.Columns}); err != nil {
			return n, fmt.Errorf("file sink: encode key %v: %w", r.Key, err)
		}
		n++
	}
	return n, nil
}

// Close flushes and closes every part file.
func (w *Writer) Close() error {
	var errs []error
	for i, f := range w.files {
		if err := w.bufs[i].Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	w.files, w.bufs, w.encs = nil, nil, nil
	return errors.Join(errs...)
}
