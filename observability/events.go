package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics tracks run notification deliveries.
type WebhookMetrics struct {
	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
}

var (
	webhookMetricsOnce sync.Once
	webhookRegistry    *WebhookMetrics
)

// Webhooks returns the metrics registry for outbound run notifications.
func Webhooks() *WebhookMetrics {
	webhookMetricsOnce.Do(func() {
		webhookRegistry = &WebhookMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "webhooks",
				Name:      "deliveries_total",
				Help:      "Webhook deliveries segmented by event and final outcome.",
			}, []string{"event", "outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "meshwatch",
				Subsystem: "webhooks",
				Name:      "retries_total",
				Help:      "Failed webhook attempts that were retried.",
			}, []string{"event"}),
		}
		prometheus.MustRegister(webhookRegistry.deliveries, webhookRegistry.retries)
	})
	return webhookRegistry
}

// Delivered records the final outcome of one delivery.
func (m *WebhookMetrics) Delivered(event string, ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "abandoned"
	}
	m.deliveries.WithLabelValues(normalizeEvent(event), outcome).Inc()
}

// Retried counts a failed attempt that will be tried again.
func (m *WebhookMetrics) Retried(event string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(normalizeEvent(event)).Inc()
}

// Retries returns the retry counter for event.
func (m *WebhookMetrics) Retries(event string) prometheus.Counter {
	return m.retries.WithLabelValues(normalizeEvent(event))
}

func normalizeEvent(event string) string {
	normalized := strings.TrimSpace(strings.ToLower(event))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
