// Package pipeline runs a whole evaluation: it loads the configuration,
// partitions the datasets of each context definition, fans evaluation out to
// workers and streams the results into the configured sink.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"cohorteval/internal/config"
	"cohorteval/internal/dataset"
	"cohorteval/internal/engine"
	"cohorteval/internal/engine/celengine"
	"cohorteval/internal/evaluator"
	"cohorteval/internal/metrics"
	"cohorteval/internal/namer"
	"cohorteval/internal/partition"
	"cohorteval/internal/storage"
	"cohorteval/internal/terminology"
)

// Function variables used to introduce test seams.
var (
	readContextDefinitionsFn = config.ReadContextDefinitions
	readJobSpecificationFn   = config.ReadJobSpecification
	newWriterFn              = storage.New
	newBatchIDFn             = uuid.NewString
)

// Driver orchestrates one run.
type Driver struct {
	Args config.RunArgs

	// Dataset supplies the input records.
	Dataset dataset.Engine
	// Engine evaluates expressions.
	Engine engine.Evaluator
	// Libraries and Terminology build each worker's resolvers.
	Libraries   evaluator.LibraryFactory
	Terminology evaluator.TerminologyFactory
	// Metrics receives progress; nil records nothing outside the driver.
	Metrics *metrics.Recorder
}

// New returns a Driver backed by the file dataset engine, the CEL engine and,
// when args.TerminologyDir is set, the directory terminology resolver.
func New(args config.RunArgs, rec *metrics.Recorder) *Driver {
	d := &Driver{
		Args:    args,
		Dataset: dataset.NewFileEngine(args.InputPaths, args.InputFormat, args.InputOptions, args.Workers),
		Engine:  celengine.New(),
		Libraries: func() (engine.LibraryResolver, error) {
			return celengine.NewResolver(args.LibrariesDir)
		},
		Terminology: func() (engine.TerminologyResolver, error) {
			return terminology.Unsupported{}, nil
		},
		Metrics: rec,
	}
	if args.TerminologyDir != "" {
		d.Terminology = func() (engine.TerminologyResolver, error) {
			return terminology.LoadDirectory(args.TerminologyDir)
		}
	}
	return d
}

// ContextStats describes the outcome of one context definition.
type ContextStats struct {
	Context   string
	Target    string
	Instances int
	Dropped   int
	Rows      int64
	Duration  time.Duration
}

// Summary describes one run.
type Summary struct {
	BatchID  string
	Contexts []ContextStats
}

// preloader is implemented by dataset engines that can load inputs ahead of
// partitioning.
type preloader interface {
	Preload(ctx context.Context, dataTypes []string) error
}

// Run executes the evaluation. Context definitions run one after another in
// declaration order; the first error stops the run.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	rec := d.Metrics
	if rec == nil {
		rec = metrics.NewRecorder(nil)
	}

	defs, err := readContextDefinitionsFn(d.Args.ContextDefinitionPath)
	if err != nil {
		return Summary{}, err
	}
	selected, err := defs.Filter(d.Args.Aggregations)
	if err != nil {
		return Summary{}, err
	}
	spec, err := readJobSpecificationFn(d.Args.JobSpecPath)
	if err != nil {
		return Summary{}, err
	}
	n, err := namer.New(spec, d.Args.ColumnDelimiter)
	if err != nil {
		return Summary{}, err
	}

	var missing []error
	targets := make(map[string]string, len(selected))
	for _, def := range selected {
		t, err := d.Args.OutputPathFor(def.Name)
		if err != nil {
			missing = append(missing, err)
			continue
		}
		targets[def.Name] = t
	}
	if err := errors.Join(missing...); err != nil {
		return Summary{}, err
	}

	ce, err := evaluator.NewContextEvaluator(spec, n, d.Engine, evaluator.Filters{
		Libraries:   d.Args.Libraries,
		Expressions: d.Args.Expressions,
	}, d.Args.Debug)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{BatchID: newBatchIDFn()}
	rec.SetContexts(len(selected))
	slog.Info("pipeline: start",
		"batch", sum.BatchID,
		"contexts", len(selected),
		"workers", d.workers(),
		"sink", d.Args.Sink,
	)

	if p, ok := d.Dataset.(preloader); ok {
		var types []string
		for _, def := range selected {
			types = append(types, def.DataTypes()...)
		}
		if err := p.Preload(ctx, types); err != nil {
			return sum, err
		}
	}

	var runErr error
	for _, def := range selected {
		st, err := d.runContext(ctx, def, ce, targets[def.Name], sum.BatchID, rec)
		sum.Contexts = append(sum.Contexts, st)
		if err != nil {
			runErr = fmt.Errorf("context %s: %w", def.Name, err)
			break
		}
	}

	if err := rec.Flush(); err != nil {
		slog.Warn("metrics: flush failed", "err", err)
	}
	snap := rec.Snapshot()
	slog.Info("pipeline: done",
		"batch", sum.BatchID,
		"contexts_completed", snap.Completed,
		"instances", snap.Instances,
		"rows", snap.Rows,
		"elapsed", time.Since(start).Truncate(time.Millisecond),
		"err", runErr,
	)
	return sum, runErr
}

func (d *Driver) workers() int {
	if d.Args.Workers > 0 {
		return d.Args.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (d *Driver) batchSize() int {
	if d.Args.BatchSize > 0 {
		return d.Args.BatchSize
	}
	return config.DefaultBatchSize
}

// runContext partitions def, evaluates every shard on its own worker and
// drains the results into one sink writer.
func (d *Driver) runContext(ctx context.Context, def config.ContextDefinition, ce *evaluator.ContextEvaluator, target, batchID string, rec *metrics.Recorder) (st ContextStats, err error) {
	start := time.Now()
	st = ContextStats{Context: def.Name, Target: target}
	defer func() {
		st.Duration = time.Since(start)
		rec.ContextDone(def.Name, st.Rows, st.Duration, err)
	}()

	if ce.Requests(def.Name) == 0 {
		slog.Warn("pipeline: no evaluation requests for context", "context", def.Name)
	}

	p := partition.Partitioner{Engine: d.Dataset, Shards: d.workers()}
	shards, pst, err := p.Partition(ctx, def)
	if err != nil {
		return st, err
	}
	st.Instances, st.Dropped = pst.Instances, pst.Dropped

	w, err := newWriterFn(ctx, storage.Config{
		Kind:       d.Args.Sink,
		DSN:        d.Args.SinkDSN,
		Context:    def.Name,
		Target:     target,
		BatchID:    batchID,
		Columns:    ce.Columns(def.Name),
		Partitions: d.Args.OutputPartitions,
	})
	if err != nil {
		return st, fmt.Errorf("open sink: %w", err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close sink: %w", cerr)
		}
	}()

	buf := d.Args.ChannelBuffer
	if buf <= 0 {
		buf = config.DefaultChannelBuffer
	}
	results := make(chan evaluator.EvaluationResult, buf)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := storage.LoadBatches(gctx, results, d.batchSize(), w)
		st.Rows = n
		return err
	})

	workers, wctx := errgroup.WithContext(gctx)
	for _, sh := range shards {
		if sh.Len() == 0 {
			continue
		}
		workers.Go(func() error {
			return d.runShard(wctx, def.Name, sh, ce, results, rec)
		})
	}
	g.Go(func() error {
		defer close(results)
		return workers.Wait()
	})

	if err := g.Wait(); err != nil {
		return st, err
	}
	slog.Info("pipeline: context done",
		"context", def.Name,
		"instances", st.Instances,
		"rows", st.Rows,
		"dropped", st.Dropped,
		"elapsed", time.Since(start).Truncate(time.Millisecond),
	)
	return st, nil
}

// runShard evaluates one shard. The WorkerCache lives only for this call, so
// resolvers are built once per worker per context definition.
func (d *Driver) runShard(ctx context.Context, contextName string, sh partition.Shard, ce *evaluator.ContextEvaluator, out chan<- evaluator.EvaluationResult, rec *metrics.Recorder) error {
	cache := evaluator.NewWorkerCache(d.Libraries, d.Terminology)
	for g := range sh.Groups() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.StartInstance(contextName)
		res, err := ce.Evaluate(ctx, contextName, g, cache)
		rec.FinishInstance(contextName, err)
		if err != nil {
			return err
		}
		select {
		case out <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
