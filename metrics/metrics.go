// Package metrics defines the Prometheus collectors the Coordinator and
// Work Packages update as they run, so a processor's claim and dispatch
// behavior is observable the same way the rest of the event-driven
// systems in this stack (warren's containerd scheduler, KEDA's scalers)
// expose their own worker-pool metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the collectors a single Processor instance registers.
// Callers typically construct one Metrics per processor name and pass it
// to both the Coordinator and Work Packages.
type Metrics struct {
	ClaimedSegments  prometheus.Gauge
	BatchLatency     prometheus.Histogram
	BatchEventsTotal prometheus.Counter
	ClaimExtensions  prometheus.Counter
	ClaimFailures    prometheus.Counter
	AbortedSegments  prometheus.Counter
}

// New constructs Metrics labeled with processor, but does not register
// them; call Register to attach them to a prometheus.Registerer.
func New(processor string) *Metrics {
	var constLabels = prometheus.Labels{"processor": processor}
	return &Metrics{
		ClaimedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "psep",
			Name:        "claimed_segments",
			Help:        "Number of segments currently claimed by this processor instance.",
			ConstLabels: constLabels,
		}),
		BatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "psep",
			Name:        "batch_latency_seconds",
			Help:        "Latency of a single Work Package batch, from drain through commit.",
			ConstLabels: constLabels,
			Buckets:     prometheus.DefBuckets,
		}),
		BatchEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "psep",
			Name:        "batch_events_total",
			Help:        "Total number of events handled or skipped across all batches.",
			ConstLabels: constLabels,
		}),
		ClaimExtensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "psep",
			Name:        "claim_extensions_total",
			Help:        "Total number of successful claim extensions.",
			ConstLabels: constLabels,
		}),
		ClaimFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "psep",
			Name:        "claim_failures_total",
			Help:        "Total number of failed claim or extension attempts.",
			ConstLabels: constLabels,
		}),
		AbortedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "psep",
			Name:        "aborted_segments_total",
			Help:        "Total number of Work Packages that have aborted, by any cause.",
			ConstLabels: constLabels,
		}),
	}
}

// Register attaches every collector in m to reg. It is safe to call with
// a nil reg, in which case Register is a no-op (allowing Metrics to be
// used unregistered in tests).
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	for _, c := range []prometheus.Collector{
		m.ClaimedSegments, m.BatchLatency, m.BatchEventsTotal,
		m.ClaimExtensions, m.ClaimFailures, m.AbortedSegments,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
