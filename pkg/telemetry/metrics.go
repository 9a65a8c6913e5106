package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the copier's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	copies     *prometheus.CounterVec
	copyTime   prometheus.Histogram
	stageTime  *prometheus.HistogramVec
	webhooks   *prometheus.CounterVec
	tasks      *prometheus.CounterVec
	collectors []prometheus.Collector
}

// NewMetrics creates the collectors and registers them with reg when it is
// non-nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	longBuckets := prometheus.ExponentialBuckets(1, 2, 16)

	m := &Metrics{
		copies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbcopier_copies_total",
			Help: "Copies that reached a terminal status.",
		}, []string{"status"}),
		copyTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dbcopier_copy_duration_seconds",
			Help:    "Wall time of a copy from running to terminal.",
			Buckets: longBuckets,
		}),
		stageTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dbcopier_stage_duration_seconds",
			Help:    "Wall time of each copy stage.",
			Buckets: longBuckets,
		}, []string{"stage"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbcopier_webhook_deliveries_total",
			Help: "Webhook delivery outcomes after retries.",
		}, []string{"result"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dbcopier_tasks_total",
			Help: "Queue tasks handled by workers.",
		}, []string{"kind", "result"}),
	}
	m.collectors = []prometheus.Collector{m.copies, m.copyTime, m.stageTime, m.webhooks, m.tasks}

	if reg != nil {
		for _, c := range m.collectors {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// CopyFinished counts a terminal copy and observes its duration.
func (m *Metrics) CopyFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.copies.WithLabelValues(status).Inc()
	m.copyTime.Observe(d.Seconds())
}

// StageDone observes one stage.
func (m *Metrics) StageDone(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageTime.WithLabelValues(stage).Observe(d.Seconds())
}

// WebhookDelivered counts a delivery outcome: "ok", "failed" or "skipped".
func (m *Metrics) WebhookDelivered(result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(result).Inc()
}

// TaskHandled counts a queue task outcome.
func (m *Metrics) TaskHandled(kind, result string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(kind, result).Inc()
}
