package dataset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"

	"cohorteval/internal/config"
	"cohorteval/internal/datasource/file"
	"cohorteval/internal/datasource/httpds"
	csvparser "cohorteval/internal/parser/csv"
	jsonparser "cohorteval/internal/parser/json"
)

var (
	// ErrUnknownDataType is returned by Read for a data type with no input path.
	ErrUnknownDataType = errors.New("no input configured for data type")
	// ErrInvalidRows is returned by Read when rows failed to parse and the
	// skip_invalid_rows input option is off.
	ErrInvalidRows = errors.New("invalid rows")
)

// Test seams.
var (
	newSource = func(path string) opener {
		if httpds.IsURL(path) {
			return httpds.NewRemote(path, httpds.Config{MaxRetries: 3})
		}
		return file.NewLocal(path)
	}
	streamCSV  = csvparser.StreamRecords
	streamJSON = func(ctx context.Context, rc io.ReadCloser, opt config.Options, out chan<- map[string]any, onErr func(int, error)) error {
		defer rc.Close()
		return jsonparser.StreamRecords(ctx, rc, opt, out, onErr)
	}
)

type opener interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// FileEngine reads datasets from CSV or JSON files, one file per data type.
// A row that fails to parse fails the read unless the skip_invalid_rows
// option is set, in which case it is logged and dropped.
// A path starting with http:// or https:// is downloaded instead of opened
// from disk. Each dataset is read at most once; later Reads return the cached rows.
type FileEngine struct {
	paths   map[string]string
	format  string
	options config.Options

	mu      sync.Mutex
	loaded  map[string]*load
	workers int
}

type load struct {
	once    sync.Once
	records []Record
	err     error
}

// NewFileEngine builds an engine over paths (data type -> file). format is
// "csv" or "json"; workers bounds concurrent file loads in Preload.
func NewFileEngine(paths map[string]string, format string, opts config.Options, workers int) *FileEngine {
	if workers < 1 {
		workers = 1
	}
	return &FileEngine{
		paths:   paths,
		format:  format,
		options: opts,
		loaded:  map[string]*load{},
		workers: workers,
	}
}

// Read returns every record of dataType, tagged with that type.
func (e *FileEngine) Read(ctx context.Context, dataType string) ([]Record, error) {
	path, ok := e.paths[dataType]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownDataType, dataType)
	}
	e.mu.Lock()
	l := e.loaded[dataType]
	if l == nil {
		l = &load{}
		e.loaded[dataType] = l
	}
	e.mu.Unlock()

	l.once.Do(func() {
		l.records, l.err = e.readFile(ctx, dataType, path)
	})
	return l.records, l.err
}

// Preload reads the given data types concurrently on an ants pool sized to
// the engine's worker count. The first error is returned after every load
// has finished.
func (e *FileEngine) Preload(ctx context.Context, dataTypes []string) error {
	pool, err := ants.NewPool(e.workers, ants.WithPanicHandler(func(v any) {
		slog.Error("dataset: load panic", "panic", v)
	}))
	if err != nil {
		return fmt.Errorf("dataset: create pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for _, dt := range dataTypes {
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if _, err := e.Read(ctx, dt); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
		}); err != nil {
			wg.Done()
			return fmt.Errorf("dataset: submit %s: %w", dt, err)
		}
	}
	wg.Wait()
	return firstErr
}

func (e *FileEngine) readFile(ctx context.Context, dataType, path string) ([]Record, error) {
	rc, err := newSource(path).Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", dataType, err)
	}

	stream := streamCSV
	switch e.format {
	case "", "csv":
	case "json":
		stream = streamJSON
	default:
		rc.Close()
		return nil, fmt.Errorf("dataset %s: unsupported input format %q", dataType, e.format)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rows := make(chan map[string]any, 256)
	errCh := make(chan error, 1)
	skipped := 0
	go func() {
		defer close(rows)
		errCh <- stream(ctx, rc, e.options, rows, func(line int, err error) {
			skipped++
			slog.Warn("reader: bad row", "dataType", dataType, "line", line, "err", err)
		})
	}()

	var out []Record
	for fields := range rows {
		out = append(out, Record{Type: dataType, Fields: fields})
	}
	if err := <-errCh; err != nil {
		return nil, fmt.Errorf("dataset %s: %w", dataType, err)
	}
	if skipped > 0 && !e.options.Bool("skip_invalid_rows", false) {
		return nil, fmt.Errorf("dataset %s: %w: %d in %s", dataType, ErrInvalidRows, skipped, path)
	}
	slog.Info("reader: done", "dataType", dataType, "path", path, "records", len(out), "skipped", skipped)
	return out, nil
}
