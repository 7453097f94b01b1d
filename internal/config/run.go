package config

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/spf13/viper"
)

// RunArgs carries the run-level parameters handed over by the CLI.
type RunArgs struct {
	ContextDefinitionPath string
	JobSpecPath           string

	// InputPaths maps a dataset type to the file holding it.
	InputPaths   map[string]string
	InputFormat  string // csv or json
	InputOptions Options

	LibrariesDir   string
	TerminologyDir string

	// Aggregations is the context-name allow-list.
	Aggregations []string
	// Libraries is the library-id allow-list (id → version, version unused).
	Libraries map[string]string
	// Expressions is the expression-name allow-list.
	Expressions []string

	// OutputPaths maps a context name to its sink target.
	OutputPaths      map[string]string
	OutputPartitions int
	Sink             string
	SinkDSN          string

	ColumnDelimiter    string
	// ColumnDelimiterSet marks ColumnDelimiter as given explicitly, so an
	// empty delimiter is kept instead of defaulted.
	ColumnDelimiterSet bool

	Workers       int
	BatchSize     int
	ChannelBuffer int
	Debug         bool
}

// Defaults used when neither flags nor environment set a value.
const (
	DefaultColumnDelimiter = "|"
	DefaultBatchSize       = 1000
	DefaultChannelBuffer   = 256
	DefaultSink            = "file"
	DefaultInputFormat     = "csv"
	EnvPrefix              = "COHORTEVAL"
)

// ApplyEnv fills zero-valued tuning fields from COHORTEVAL_* environment
// variables and then from built-in defaults. Values already set (e.g. from
// flags) win.
func (a *RunArgs) ApplyEnv() {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	v.SetDefault("workers", runtime.GOMAXPROCS(0))
	v.SetDefault("batch_size", DefaultBatchSize)
	v.SetDefault("channel_buffer", DefaultChannelBuffer)
	v.SetDefault("column_delimiter", DefaultColumnDelimiter)
	v.SetDefault("sink", DefaultSink)
	v.SetDefault("input_format", DefaultInputFormat)

	a.Workers = pickInt(a.Workers, v.GetInt("workers"))
	a.BatchSize = pickInt(a.BatchSize, v.GetInt("batch_size"))
	a.ChannelBuffer = pickInt(a.ChannelBuffer, v.GetInt("channel_buffer"))
	a.OutputPartitions = pickInt(a.OutputPartitions, v.GetInt("output_partitions"))
	if !a.ColumnDelimiterSet {
		a.ColumnDelimiter = pickString(a.ColumnDelimiter, v.GetString("column_delimiter"))
	}
	a.Sink = pickString(a.Sink, v.GetString("sink"))
	a.SinkDSN = pickString(a.SinkDSN, v.GetString("sink_dsn"))
	a.InputFormat = pickString(a.InputFormat, v.GetString("input_format"))
	a.LibrariesDir = pickString(a.LibrariesDir, v.GetString("libraries_dir"))
	a.TerminologyDir = pickString(a.TerminologyDir, v.GetString("terminology_dir"))
	if !a.Debug {
		a.Debug = v.GetBool("debug")
	}
}

// Validate checks the run arguments for obvious misconfiguration.
func (a RunArgs) Validate() []Issue {
	var issues []Issue
	if strings.TrimSpace(a.ContextDefinitionPath) == "" {
		issues = append(issues, errorIssue("context-definitions", "path must not be empty"))
	}
	if strings.TrimSpace(a.JobSpecPath) == "" {
		issues = append(issues, errorIssue("job-spec", "path must not be empty"))
	}
	if len(a.InputPaths) == 0 {
		issues = append(issues, errorIssue("input", "at least one input dataset is required"))
	}
	if !slices.Contains([]string{"csv", "json"}, a.InputFormat) {
		issues = append(issues, errorIssue("input-format", "unsupported input format %q", a.InputFormat))
	}
	if strings.TrimSpace(a.LibrariesDir) == "" {
		issues = append(issues, errorIssue("libraries-dir", "path must not be empty"))
	}
	if len(a.OutputPaths) == 0 {
		issues = append(issues, errorIssue("output", "at least one output path is required"))
	}
	if a.OutputPartitions < 0 {
		issues = append(issues, errorIssue("output-partitions", "must not be negative"))
	}
	if a.Workers < 0 {
		issues = append(issues, errorIssue("workers", "must not be negative"))
	}
	if a.BatchSize <= 0 {
		issues = append(issues, warningIssue("batch-size", "batch_size=%d; non-positive batch sizes fall back to %d", a.BatchSize, DefaultBatchSize))
	}
	if a.ColumnDelimiter == "" {
		issues = append(issues, warningIssue("column-delimiter", "empty delimiter concatenates library id and expression name"))
	}
	return issues
}

// Check returns a *ConfigError when Validate reports blocking issues.
func (a RunArgs) Check() error {
	return asConfigError("run arguments", a.Validate())
}

// OutputPathFor returns the sink target for a context name.
func (a RunArgs) OutputPathFor(context string) (string, error) {
	p, ok := a.OutputPaths[context]
	if !ok || strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("no output path configured for context %q", context)
	}
	return p, nil
}

// pickInt chooses the first positive value a, otherwise returns b.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func pickString(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
