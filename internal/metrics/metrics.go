// Package metrics defines the Prometheus metrics exported by speedtrack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Records counts delivery attempts by pipeline phase and outcome.
	Records = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtrack_records_total",
			Help: "Number of record delivery attempts.",
		},
		[]string{"phase", "outcome"},
	)
	// QueueLength is the number of records waiting in the durable queue.
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "speedtrack_queue_length",
			Help: "Number of records in the durable queue.",
		},
	)
	// ProbeFailures counts failed measurements by subtest.
	ProbeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedtrack_probe_failures_total",
			Help: "Number of failed probe operations.",
		},
		[]string{"subtest"},
	)
	// LastRun is the Unix time of the last completed cycle.
	LastRun = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "speedtrack_last_run_timestamp_seconds",
			Help: "Unix time of the last completed pipeline run.",
		},
	)
)

// WriteTextfile writes every registered metric to path in the text format
// read by the node exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
