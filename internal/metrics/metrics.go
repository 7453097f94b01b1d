// Package metrics records run progress through a pluggable Backend.
//
// The pipeline holds a *Recorder and passes it by reference; there is no
// package-level backend. Recorder keeps its own atomic totals so progress can
// be read back without asking the backend, and forwards every update to the
// backend, which must be safe for concurrent use.
package metrics

import (
	"sync/atomic"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// SetGauge sets a gauge to value.
	SetGauge(name string, value float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// Metric names emitted by Recorder.
const (
	ContextsTotal       = "cohorteval_contexts_total"
	ContextsCompleted   = "cohorteval_contexts_completed_total"
	InstancesEvaluated  = "cohorteval_instances_evaluated_total"
	InstancesInProgress = "cohorteval_instances_in_progress"
	RowsWritten         = "cohorteval_rows_written_total"
	ContextDuration     = "cohorteval_context_duration_seconds"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) SetGauge(string, float64, Labels)         {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }

// Recorder accumulates progress for one run.
type Recorder struct {
	backend Backend

	total      atomic.Int64
	completed  atomic.Int64
	instances  atomic.Int64
	failed     atomic.Int64
	inProgress atomic.Int64
	rows       atomic.Int64
}

// NewRecorder returns a Recorder forwarding to b. A nil b records locally only.
func NewRecorder(b Backend) *Recorder {
	if b == nil {
		b = Nop{}
	}
	return &Recorder{backend: b}
}

// Snapshot is a point-in-time copy of the Recorder's totals.
type Snapshot struct {
	Contexts   int64
	Completed  int64
	Instances  int64
	Failed     int64
	InProgress int64
	Rows       int64
}

// Snapshot returns the current totals.
func (r *Recorder) Snapshot() Snapshot {
	return Snapshot{
		Contexts:   r.total.Load(),
		Completed:  r.completed.Load(),
		Instances:  r.instances.Load(),
		Failed:     r.failed.Load(),
		InProgress: r.inProgress.Load(),
		Rows:       r.rows.Load(),
	}
}

// SetContexts records how many context definitions the run will process.
func (r *Recorder) SetContexts(n int) {
	r.total.Store(int64(n))
	r.backend.SetGauge(ContextsTotal, float64(n), nil)
}

// StartInstance marks one context instance as being evaluated.
func (r *Recorder) StartInstance(context string) {
	v := r.inProgress.Add(1)
	r.backend.SetGauge(InstancesInProgress, float64(v), Labels{"context": context})
}

// FinishInstance marks one context instance as done.
func (r *Recorder) FinishInstance(context string, err error) {
	v := r.inProgress.Add(-1)
	r.instances.Add(1)
	if err != nil {
		r.failed.Add(1)
	}
	r.backend.SetGauge(InstancesInProgress, float64(v), Labels{"context": context})
	r.backend.IncCounter(InstancesEvaluated, 1, Labels{"context": context, "status": status(err)})
}

// ContextDone records the end of one context definition. It also resyncs the
// in-progress gauge, whose concurrent updates may land out of order.
func (r *Recorder) ContextDone(context string, rows int64, d time.Duration, err error) {
	lbls := Labels{"context": context, "status": status(err)}
	r.backend.SetGauge(InstancesInProgress, float64(r.inProgress.Load()), Labels{"context": context})
	if err == nil {
		r.completed.Add(1)
	}
	if rows > 0 {
		r.rows.Add(rows)
		r.backend.IncCounter(RowsWritten, float64(rows), Labels{"context": context})
	}
	r.backend.IncCounter(ContextsCompleted, 1, lbls)
	r.backend.ObserveHistogram(ContextDuration, d.Seconds(), lbls)
}

// Flush delegates to the backend.
func (r *Recorder) Flush() error { return r.backend.Flush() }

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
