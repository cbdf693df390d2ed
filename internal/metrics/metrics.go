// Package metrics holds the agent's Prometheus collectors. A run is a
// short-lived process, so instead of serving /metrics the collectors are
// dumped to a node_exporter textfile when the run ends.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProbeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctxt_probe_attempts_total",
			Help: "Connectivity probe attempts by credential path and result",
		},
		[]string{"credential", "result"},
	)

	CredentialRotations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctxt_credential_rotations_total",
			Help: "Credential rotations by kind and result",
		},
		[]string{"kind", "result"},
	)

	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctxt_task_runs_total",
			Help: "Task attempts by task and result",
		},
		[]string{"task", "result"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctxt_task_duration_seconds",
			Help:    "Task attempt duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"task"},
	)

	RemotePolls = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctxt_remote_status_checks_total",
			Help: "Liveness checks of remotely launched agents",
		},
	)

	RunSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctxt_run_success",
			Help: "Whether the last run finished successfully (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(ProbeAttempts)
	prometheus.MustRegister(CredentialRotations)
	prometheus.MustRegister(TaskRuns)
	prometheus.MustRegister(TaskDuration)
	prometheus.MustRegister(RemotePolls)
	prometheus.MustRegister(RunSuccess)
}

// Result maps a boolean outcome to a label value.
func Result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Timer measures an operation for a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed time under labels.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// WriteTextfile dumps every registered collector to path in the text
// exposition format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
