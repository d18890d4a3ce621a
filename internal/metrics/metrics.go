// Package metrics exposes capture pipeline counters for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry. All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	jobsFinished      *prometheus.CounterVec
	rateRemaining     *prometheus.GaugeVec
	ratePending       prometheus.Gauge
	reservations      *prometheus.CounterVec
	webhookDeliveries *prometheus.CounterVec
	rolloutPercentage *prometheus.GaugeVec
	rolloutErrorRate  *prometheus.GaugeVec
	rolloutRollbacks  prometheus.Counter
	itemsCaptured     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_jobs_finished_total",
			Help: "Capture jobs that reached a terminal state.",
		}, []string{"job_type", "status"}),
		rateRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capture_rate_budget_remaining",
			Help: "Upstream call budget remaining as last reported by the API.",
		}, []string{"resource"}),
		ratePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capture_rate_budget_pending",
			Help: "Budget held by in-flight reservations.",
		}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_rate_reservations_total",
			Help: "Rate budget reservation attempts.",
		}, []string{"granted"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_webhook_deliveries_total",
			Help: "Inbound webhook deliveries by lane.",
		}, []string{"lane", "duplicate"}),
		rolloutPercentage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capture_rollout_percentage",
			Help: "Traffic share routed to a strategy version.",
		}, []string{"strategy_version"}),
		rolloutErrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "capture_rollout_error_rate",
			Help: "Observed failure rate of a strategy version over the rollback window.",
		}, []string{"strategy_version"}),
		rolloutRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capture_rollout_rollbacks_total",
			Help: "Automatic rollbacks performed.",
		}),
		itemsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capture_items_total",
			Help: "Activity items written.",
		}, []string{"job_type"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.jobsFinished,
		m.rateRemaining,
		m.ratePending,
		m.reservations,
		m.webhookDeliveries,
		m.rolloutPercentage,
		m.rolloutErrorRate,
		m.rolloutRollbacks,
		m.itemsCaptured,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) JobFinished(jobType, status string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(jobType, status).Inc()
}

func (m *Metrics) ItemsCaptured(jobType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.itemsCaptured.WithLabelValues(jobType).Add(float64(n))
}

func (m *Metrics) RateBudget(resource string, remaining, pending int) {
	if m == nil {
		return
	}
	m.rateRemaining.WithLabelValues(resource).Set(float64(remaining))
	m.ratePending.Set(float64(pending))
}

func (m *Metrics) Reservation(granted bool) {
	if m == nil {
		return
	}
	label := "false"
	if granted {
		label = "true"
	}
	m.reservations.WithLabelValues(label).Inc()
}

func (m *Metrics) WebhookDelivery(lane string, duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.webhookDeliveries.WithLabelValues(lane, label).Inc()
}

func (m *Metrics) RolloutState(version string, percentage int, errorRate float64) {
	if m == nil {
		return
	}
	m.rolloutPercentage.WithLabelValues(version).Set(float64(percentage))
	m.rolloutErrorRate.WithLabelValues(version).Set(errorRate)
}

func (m *Metrics) Rollback() {
	if m == nil {
		return
	}
	m.rolloutRollbacks.Inc()
}
