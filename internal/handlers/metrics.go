package handlers

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service's custom Prometheus metrics.
type Metrics struct {
	JobsSubmitted            *prometheus.CounterVec // action, status
	WebhookEvents            *prometheus.CounterVec // event_type, status
	WebhookSignatureFailures prometheus.Counter
}
