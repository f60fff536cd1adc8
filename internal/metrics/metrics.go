// Package metrics exposes Prometheus instrumentation for the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pianowire"

// Metrics holds every collector the server records into. Construct with an
// injectable registry so tests can use a private one.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	MessagesTotal       *prometheus.CounterVec
	MessagesRejected    *prometheus.CounterVec
	ConflictsTotal      *prometheus.CounterVec
	RateLimitViolations prometheus.Counter
	BatchesFlushed      prometheus.Counter
	BatchSize           prometheus.Histogram
	NotesActive         prometheus.Gauge
	Reconciliations     prometheus.Counter
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer in
// production.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently connected WebSocket clients.",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by envelope type.",
		}, []string{"type"}),
		MessagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_rejected_total",
			Help:      "Inbound messages rejected, by reason.",
		}, []string{"reason"}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Note conflicts resolved, by resolution.",
		}, []string{"resolution"}),
		RateLimitViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_violations_total",
			Help:      "Messages rejected beyond the burst ceiling.",
		}),
		BatchesFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_flushed_total",
			Help:      "Outbound batch envelopes emitted.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Messages per flushed batch.",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		}),
		NotesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "notes_active",
			Help:      "Live notes in the authoritative state.",
		}),
		Reconciliations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Remote snapshots applied with changes.",
		}),
	}
}
