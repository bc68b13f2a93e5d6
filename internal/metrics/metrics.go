// Package metrics exposes the Prometheus collectors the bot updates during
// operation:
//   - bot_signals_total{action,outcome} – handled signals by action and outcome
//   - bot_orders_total{side}            – orders placed on the venue
//   - bot_queue_depth                   – signals waiting in the dispatch queue
//   - bot_webhook_requests_total{status} – webhook requests by HTTP status class
//
// They are registered on the default registry and served by the /metrics
// handler in the webhook server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Signals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Handled trade signals by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	Orders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_orders_total",
			Help: "Orders placed on the venue",
		},
		[]string{"side"},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_queue_depth",
			Help: "Signals waiting in the dispatch queue",
		},
	)

	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_webhook_requests_total",
			Help: "Webhook requests by response status",
		},
		[]string{"status"},
	)
)
