package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cohorteval/internal/config"
	"cohorteval/internal/logger"
	"cohorteval/internal/metrics"
	"cohorteval/internal/metrics/datadog"
	"cohorteval/internal/metrics/prompush"
	"cohorteval/internal/pipeline"
)

// runFlags holds everything the run command reads from the command line.
type runFlags struct {
	args         config.RunArgs
	inputOptions string

	metricsBackend string
	pushgatewayURL string
	statsdAddr     string
	jobName        string
	logFormat      string
}

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate the job specification and write one row per context instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return f.run(cmd)
		},
	}
	bindFiles(cmd, &f.args)

	fs := cmd.Flags()
	fs.StringToStringVar(&f.args.InputPaths, "input", nil, "dataset `type=path` (repeatable)")
	fs.StringVar(&f.args.InputFormat, "input-format", "", "input format: csv or json (default csv)")
	fs.StringVar(&f.inputOptions, "input-options", "", `reader options as JSON, e.g. {"comma":";","fold_headers":true}`)
	fs.StringVar(&f.args.LibrariesDir, "libraries-dir", "", "directory holding expression libraries")
	fs.StringVar(&f.args.TerminologyDir, "terminology-dir", "", "directory holding value set files (optional)")
	fs.StringSliceVar(&f.args.Aggregations, "aggregation", nil, "context definition to evaluate (repeatable; default all)")
	fs.StringToStringVar(&f.args.Libraries, "library", nil, "library `id=version` to evaluate (repeatable; default all)")
	fs.StringSliceVar(&f.args.Expressions, "expression", nil, "expression name to evaluate (repeatable; default all)")
	fs.StringToStringVar(&f.args.OutputPaths, "output", nil, "sink target `context=target` (repeatable)")
	fs.IntVar(&f.args.OutputPartitions, "output-partitions", 0, "number of output files or objects per context")
	fs.StringVar(&f.args.Sink, "sink", "", "sink kind: file, postgres, sqlite, mssql, mysql or s3 (default file)")
	fs.StringVar(&f.args.SinkDSN, "sink-dsn", "", "connection string for database and object store sinks")
	fs.StringVar(&f.args.ColumnDelimiter, "column-delimiter", "", `delimiter between library id and expression in default column names (default "|")`)
	fs.IntVar(&f.args.Workers, "workers", 0, "parallel workers (default GOMAXPROCS)")
	fs.IntVar(&f.args.BatchSize, "batch-size", 0, "rows per sink write (default 1000)")
	fs.BoolVar(&f.args.Debug, "debug", false, "log every result row")
	fs.StringVar(&f.metricsBackend, "metrics-backend", "", "metrics backend: none, pushgateway or datadog (default none)")
	fs.StringVar(&f.pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (default http://localhost:9091)")
	fs.StringVar(&f.statsdAddr, "statsd-addr", "", "DogStatsD address (default 127.0.0.1:8125)")
	fs.StringVar(&f.jobName, "job-name", "cohorteval", "metrics job name")
	fs.StringVar(&f.logFormat, "log-format", "text", "log format: text or json")
	return cmd
}

// bindFiles registers the flags shared by run and validate.
func bindFiles(cmd *cobra.Command, a *config.RunArgs) {
	cmd.Flags().StringVar(&a.ContextDefinitionPath, "context-definitions", "", "context definition file (JSON)")
	cmd.Flags().StringVar(&a.JobSpecPath, "job-spec", "", "job specification file (JSON)")
}

func (f *runFlags) run(cmd *cobra.Command) error {
	level := "INFO"
	if f.args.Debug {
		level = "DEBUG"
	}
	logger.Init(logger.Config{Level: level, Format: f.logFormat, Output: cmd.ErrOrStderr()})

	if f.inputOptions != "" {
		if err := json.Unmarshal([]byte(f.inputOptions), &f.args.InputOptions); err != nil {
			return fmt.Errorf("input-options: %w", err)
		}
	}
	f.args.ColumnDelimiterSet = cmd.Flags().Changed("column-delimiter")
	f.args.ApplyEnv()
	if err := f.args.Check(); err != nil {
		return err
	}
	for _, iss := range f.args.Validate() {
		if iss.Severity == config.SeverityWarning {
			slog.Warn("config: "+iss.Message, "path", iss.Path)
		}
	}

	backend, closer, err := f.metricsBackendFor()
	if err != nil {
		return err
	}
	defer closer.Close()

	rec := metrics.NewRecorder(backend)
	sum, err := pipeline.New(f.args, rec).Run(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, c := range sum.Contexts {
		fmt.Fprintf(out, "%s: instances=%d rows=%d dropped=%d target=%s elapsed=%s\n",
			c.Context, c.Instances, c.Rows, c.Dropped, c.Target, c.Duration)
	}
	fmt.Fprintf(out, "batch: %s\n", sum.BatchID)
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// metricsBackendFor picks the metrics backend: flag, then
// COHORTEVAL_METRICS_BACKEND, then none.
func (f *runFlags) metricsBackendFor() (metrics.Backend, io.Closer, error) {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	v.SetDefault("metrics_backend", "none")
	v.SetDefault("pushgateway_url", "http://localhost:9091")
	v.SetDefault("statsd_addr", "127.0.0.1:8125")

	name := f.metricsBackend
	if name == "" {
		name = v.GetString("metrics_backend")
	}

	switch name {
	case "", "none":
		return metrics.Nop{}, nopCloser{}, nil
	case "pushgateway":
		url := f.pushgatewayURL
		if url == "" {
			url = v.GetString("pushgateway_url")
		}
		b, err := prompush.NewBackend(f.jobName, url)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("metrics: pushgateway", "url", url, "job", f.jobName)
		return b, nopCloser{}, nil
	case "datadog":
		addr := f.statsdAddr
		if addr == "" {
			addr = v.GetString("statsd_addr")
		}
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       addr,
			Namespace:  "cohorteval.",
			GlobalTags: []string{"job:" + f.jobName},
		})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("metrics: datadog", "addr", addr, "job", f.jobName)
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", name)
	}
}
