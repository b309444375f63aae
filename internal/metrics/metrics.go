// Package metrics exposes Prometheus instrumentation for the server and the
// storage engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all collectors for one server process.
type Registry struct {
	registry *prometheus.Registry

	CommandsTotal    *prometheus.CounterVec
	CommandDuration  *prometheus.HistogramVec
	ConnectionsOpen  prometheus.Gauge
	ConnectionsTotal prometheus.Counter

	MemTableBytes     prometheus.Gauge
	TablesPerLevel    *prometheus.GaugeVec
	EntriesPerLevel   *prometheus.GaugeVec
	FlushesTotal      prometheus.Gauge
	CompactionsTotal  prometheus.Gauge
	StorageBytesRead  prometheus.Gauge
	StorageBytesWrite prometheus.Gauge
}

// NewRegistry creates a registry with all collectors registered.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.CommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stratum_commands_total",
			Help: "Total number of commands processed",
		},
		[]string{"command", "status"},
	)

	r.CommandDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stratum_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"command"},
	)

	r.ConnectionsOpen = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_connections_open",
			Help: "Currently open client connections",
		},
	)

	r.ConnectionsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "stratum_connections_total",
			Help: "Total accepted client connections",
		},
	)

	r.MemTableBytes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_memtable_bytes",
			Help: "Approximate size of the mutable memtable",
		},
	)

	r.TablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratum_sstables",
			Help: "Number of live SSTables per level",
		},
		[]string{"level"},
	)

	r.EntriesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stratum_entries",
			Help: "Number of entries per level",
		},
		[]string{"level"},
	)

	r.FlushesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_flushes_total",
			Help: "Completed memtable flushes",
		},
	)

	r.CompactionsTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_compactions_total",
			Help: "Completed compaction jobs",
		},
	)

	r.StorageBytesRead = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_storage_read_bytes_total",
			Help: "Bytes read by compaction",
		},
	)

	r.StorageBytesWrite = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "stratum_storage_written_bytes_total",
			Help: "Bytes written by flush and compaction",
		},
	)

	return r
}

// RecordCommand records one handled command with its outcome and duration.
func (r *Registry) RecordCommand(command, status string, duration time.Duration) {
	r.CommandsTotal.WithLabelValues(command, status).Inc()
	r.CommandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

// ConnectionOpened tracks a newly accepted connection.
func (r *Registry) ConnectionOpened() {
	r.ConnectionsTotal.Inc()
	r.ConnectionsOpen.Inc()
}

// ConnectionClosed tracks a finished connection.
func (r *Registry) ConnectionClosed() {
	r.ConnectionsOpen.Dec()
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
