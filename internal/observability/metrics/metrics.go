package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shadowstream"

// Metrics holds every collector the daemon exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP traffic and latency per route.
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Settlement outcomes: success, reverted, submit_failed, unconfirmed, rejected.
	Settlements *prometheus.CounterVec
	// SettlementDuration covers submit through receipt.
	SettlementDuration prometheus.Histogram

	// Delivery outcomes per merchant: ok, http_error, transport_error, breaker_open.
	Deliveries *prometheus.CounterVec

	// Reconciler resolutions: success, failed, pending, skipped.
	Reconciled *prometheus.CounterVec
	// ReconcileQueueDepth is the number of ids published by the last scan.
	ReconcileQueueDepth prometheus.Gauge

	// BreakerState per merchant (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec
}

// New registers the collectors on a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := newWith(reg)
	m.registry = reg
	return m
}

func newWith(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HTTPRequests: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"route", "method", "code"}),

		HTTPDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"route", "method"}),

		Settlements: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Payment settlements by outcome.",
		}, []string{"outcome"}),

		SettlementDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "settlement_duration_seconds",
			Help:      "Time from transaction submission to receipt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),

		Deliveries: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merchant_deliveries_total",
			Help:      "Paid merchant calls by outcome.",
		}, []string{"merchant_id", "outcome"}),

		Reconciled: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciled_activities_total",
			Help:      "Pending activities handled by the reconciler, by resolution.",
		}, []string{"resolution"}),

		ReconcileQueueDepth: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_last_scan_published",
			Help:      "Stale pending activities published by the last scan.",
		}),

		BreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "merchant_breaker_state",
			Help:      "Circuit breaker state per merchant (0=closed, 1=half-open, 2=open).",
		}, []string{"merchant_id"}),
	}
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer returns the underlying registry, mainly for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.DefaultGatherer
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// ObserveSettlement counts a settlement outcome.
func (m *Metrics) ObserveSettlement(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Settlements.WithLabelValues(outcome).Inc()
	if duration > 0 {
		m.SettlementDuration.Observe(duration.Seconds())
	}
}

// ObserveDelivery counts a merchant call outcome.
func (m *Metrics) ObserveDelivery(merchantID uint64, outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(strconv.FormatUint(merchantID, 10), outcome).Inc()
}

// ObserveReconciled counts a reconciler resolution.
func (m *Metrics) ObserveReconciled(resolution string) {
	if m == nil {
		return
	}
	m.Reconciled.WithLabelValues(resolution).Inc()
}

// SetReconcilePublished records how many ids the last scan published.
func (m *Metrics) SetReconcilePublished(n int) {
	if m == nil {
		return
	}
	m.ReconcileQueueDepth.Set(float64(n))
}

// SetBreakerState records the breaker state for a merchant.
func (m *Metrics) SetBreakerState(merchantID uint64, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(strconv.FormatUint(merchantID, 10)).Set(float64(state))
}
