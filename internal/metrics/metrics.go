// Package metrics holds direct-instrumentation Prometheus counters for the
// alert bus, request engine, VFS, and accounting layers, following the
// teacher's internal/metrics/metrics.go shape (one struct, one New,
// MustRegister on a shared registry) generalized beyond streaming-only
// counters.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds counters and gauges for direct instrumentation across
// the engine's components.
type Metrics struct {
	// C1 Alert Bus
	AlertsDelivered   prometheus.Counter
	AlertsDropped     *prometheus.CounterVec // labels: reason=overflow
	AlertBusSubscribers prometheus.Gauge

	// C3 Resume Store
	ResumePending prometheus.Gauge
	ResumeSaves   *prometheus.CounterVec // labels: result=ok|error

	// C4 Request Engine
	PiecesRead         prometheus.Counter
	PiecesFinished     prometheus.Counter
	PiecesHashFailed   prometheus.Counter
	StuckHashRechecks  prometheus.Counter
	ActiveRequests     prometheus.Gauge

	// C5 Buffered Reader
	ReadBytes    prometheus.Counter
	ReadDuration prometheus.Histogram
	ReadSeeks    *prometheus.CounterVec // labels: direction=forward|backward

	// C6 Virtual Filesystem
	VFSLookups      *prometheus.CounterVec // labels: result=hit|miss|error
	VFSOpenFiles    prometheus.Gauge

	// C7 Accounting
	AcctBytesAttributed *prometheus.CounterVec // labels: tracker
	AcctGenerationBumps prometheus.Counter
}

// New creates and registers metrics with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AlertsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "alertbus",
			Name:      "delivered_total",
			Help:      "Alerts delivered to subscribers.",
		}),
		AlertsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "alertbus",
			Name:      "dropped_total",
			Help:      "Alerts dropped due to a full subscriber queue.",
		}, []string{"reason"}),
		AlertBusSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvafengine",
			Subsystem: "alertbus",
			Name:      "subscribers",
			Help:      "Current number of alert bus subscriptions.",
		}),

		ResumePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvafengine",
			Subsystem: "resume",
			Name:      "pending",
			Help:      "Torrents with a resume save in flight.",
		}),
		ResumeSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "resume",
			Name:      "saves_total",
			Help:      "Resume save attempts by result.",
		}, []string{"result"}),

		PiecesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "reqengine",
			Name:      "pieces_read_total",
			Help:      "Pieces read from the engine and delivered to requests.",
		}),
		PiecesFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "reqengine",
			Name:      "pieces_finished_total",
			Help:      "Pieces that completed hash verification.",
		}),
		PiecesHashFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "reqengine",
			Name:      "pieces_hash_failed_total",
			Help:      "Pieces that failed hash verification.",
		}),
		StuckHashRechecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "reqengine",
			Name:      "stuck_hash_rechecks_total",
			Help:      "Forced rechecks triggered by the stuck-hash workaround.",
		}),
		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvafengine",
			Subsystem: "reqengine",
			Name:      "active_requests",
			Help:      "Currently active requests across all torrents.",
		}),

		ReadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "bufreader",
			Name:      "read_bytes_total",
			Help:      "Total bytes read through the buffered reader.",
		}),
		ReadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tvafengine",
			Subsystem: "bufreader",
			Name:      "read_duration_seconds",
			Help:      "Duration of buffered reader read operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ReadSeeks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "bufreader",
			Name:      "seek_total",
			Help:      "Seek operations by direction.",
		}, []string{"direction"}),

		VFSLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "vfs",
			Name:      "lookups_total",
			Help:      "Path resolution lookups by result.",
		}, []string{"result"}),
		VFSOpenFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tvafengine",
			Subsystem: "vfs",
			Name:      "open_files",
			Help:      "Number of currently open torrent-backed file handles.",
		}),

		AcctBytesAttributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "acct",
			Name:      "bytes_attributed_total",
			Help:      "Bytes attributed to completed pieces, by tracker.",
		}, []string{"tracker"}),
		AcctGenerationBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tvafengine",
			Subsystem: "acct",
			Name:      "generation_bumps_total",
			Help:      "Generation counter increments from absent-to-present transitions.",
		}),
	}

	reg.MustRegister(
		m.AlertsDelivered, m.AlertsDropped, m.AlertBusSubscribers,
		m.ResumePending, m.ResumeSaves,
		m.PiecesRead, m.PiecesFinished, m.PiecesHashFailed, m.StuckHashRechecks, m.ActiveRequests,
		m.ReadBytes, m.ReadDuration, m.ReadSeeks,
		m.VFSLookups, m.VFSOpenFiles,
		m.AcctBytesAttributed, m.AcctGenerationBumps,
	)

	return m
}
