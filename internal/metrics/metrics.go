package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every recorder becomes a
// no-op, which keeps tests free of registry plumbing.
type Metrics struct {
	SyncPasses      *prometheus.CounterVec
	SyncAttempts    *prometheus.CounterVec
	CommitLatencyMS prometheus.Histogram
	OutboxDepth     *prometheus.GaugeVec
	Checkouts       *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasirinaja",
			Subsystem: "terminal",
			Name:      "sync_passes_total",
			Help:      "Outbox sync passes by result.",
		}, []string{"result"}),
		SyncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasirinaja",
			Subsystem: "terminal",
			Name:      "sync_attempts_total",
			Help:      "Ledger commit attempts for queued sales by outcome.",
		}, []string{"outcome"}),
		CommitLatencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kasirinaja",
			Subsystem: "terminal",
			Name:      "ledger_commit_duration_ms",
			Help:      "Ledger commit latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		OutboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kasirinaja",
			Subsystem: "terminal",
			Name:      "outbox_items",
			Help:      "Queued sales by status.",
		}, []string{"status"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kasirinaja",
			Subsystem: "terminal",
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.SyncPasses, m.SyncAttempts, m.CommitLatencyMS, m.OutboxDepth, m.Checkouts)
	return m
}

func (m *Metrics) ObservePass(result string) {
	if m == nil {
		return
	}
	m.SyncPasses.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveAttempt(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SyncAttempts.WithLabelValues(outcome).Inc()
	m.CommitLatencyMS.Observe(float64(elapsed.Milliseconds()))
}

func (m *Metrics) SetOutboxDepth(pending int, rejected int) {
	if m == nil {
		return
	}
	m.OutboxDepth.WithLabelValues("pending").Set(float64(pending))
	m.OutboxDepth.WithLabelValues("rejected").Set(float64(rejected))
}

func (m *Metrics) ObserveCheckout(outcome string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(outcome).Inc()
}

func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
