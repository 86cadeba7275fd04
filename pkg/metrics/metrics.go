// Package metrics holds the Prometheus collectors shared by the server packages.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "place"

// Update results.
const (
	ResultAccepted    = "accepted"
	ResultOutOfBounds = "out_of_bounds"
	ResultMalformed   = "malformed"
)

// Session drop reasons.
const (
	DropSlowConsumer = "slow_consumer"
	DropWriteError   = "write_error"
	DropReadError    = "read_error"
	DropPingTimeout  = "ping_timeout"
)

type Metrics struct {
	SessionsActive   prometheus.Gauge
	Updates          *prometheus.CounterVec
	BroadcastFrames  prometheus.Counter
	SessionDrops     *prometheus.CounterVec
	SnapshotSaves    *prometheus.CounterVec
	SnapshotDuration prometheus.Histogram
	SnapshotBytes    prometheus.Gauge
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered websocket sessions",
		}),
		Updates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Pixel update submissions by result",
		}, []string{"result"}),
		BroadcastFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_frames_total",
			Help:      "Update frames queued to sessions",
		}),
		SessionDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_drops_total",
			Help:      "Sessions removed because of a failure",
		}, []string{"reason"}),
		SnapshotSaves: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_saves_total",
			Help:      "Snapshot persistence attempts by result",
		}, []string{"result"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time to encode and write a snapshot",
			Buckets:   prometheus.DefBuckets,
		}),
		SnapshotBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes",
			Help:      "Size of the last encoded snapshot",
		}),
	}
}

// Discard returns collectors registered with a private registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
