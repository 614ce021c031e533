// Package metrics owns the prometheus registry and the worker
// heartbeat tracking behind the readiness probe.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the gateway's metrics. It is explicitly constructed
// and injected so tests get their own instance.
type Registry struct {
	reg       *prometheus.Registry
	startedAt time.Time

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	MessagesFailed   prometheus.Counter
	EventsCaptured   prometheus.Counter
	WebhookDelivered prometheus.Counter
	WebhookFailed    prometheus.Counter
	RateLimited      prometheus.Counter

	DevicesByStatus *prometheus.GaugeVec
	ActiveWebhooks  prometheus.Gauge
	DLQSize         prometheus.Gauge
	Uptime          prometheus.GaugeFunc

	mu         sync.Mutex
	heartbeats map[string]time.Time
}

// New builds a registry with the gateway's collectors plus the standard
// Go runtime and process collectors.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg:       reg,
		startedAt: time.Now(),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_messages_sent_total",
			Help: "Outbound messages accepted by the protocol.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_messages_received_total",
			Help: "Inbound messages captured from the protocol.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_messages_failed_total",
			Help: "Outbox rows that reached a terminal failed state.",
		}),
		EventsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_events_captured_total",
			Help: "Protocol events persisted to the event log.",
		}),
		WebhookDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_webhook_deliveries_total",
			Help: "Webhook deliveries that got a 2xx response.",
		}),
		WebhookFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_webhook_failures_total",
			Help: "Webhook delivery batches that exhausted retries.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wa_gateway_rate_limited_total",
			Help: "Producer requests rejected by the rate limiter.",
		}),
		DevicesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wa_gateway_devices",
			Help: "Devices by lifecycle status.",
		}, []string{"status"}),
		ActiveWebhooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wa_gateway_webhooks_active",
			Help: "Enabled webhook subscriptions.",
		}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wa_gateway_webhook_dlq_size",
			Help: "Rows parked in the webhook dead-letter queue.",
		}),
		heartbeats: make(map[string]time.Time),
	}
	r.Uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "wa_gateway_uptime_seconds",
		Help: "Seconds since process start.",
	}, func() float64 { return time.Since(r.startedAt).Seconds() })

	reg.MustRegister(
		r.MessagesSent, r.MessagesReceived, r.MessagesFailed,
		r.EventsCaptured, r.WebhookDelivered, r.WebhookFailed,
		r.RateLimited, r.DevicesByStatus, r.ActiveWebhooks,
		r.DLQSize, r.Uptime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler serves the scrape endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Beat records that a named worker is alive.
func (r *Registry) Beat(worker string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats[worker] = time.Now()
}

// WorkersHealthy reports whether every named worker has beaten within
// maxAge. Workers that never beat count as unhealthy.
func (r *Registry) WorkersHealthy(maxAge time.Duration, workers ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		last, ok := r.heartbeats[w]
		if !ok || time.Since(last) > maxAge {
			return false
		}
	}
	return true
}
