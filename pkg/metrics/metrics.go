// Package metrics exposes Prometheus counters for the sync engine. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

type Metrics struct {
	registry *prometheus.Registry

	uploadAttempts *prometheus.CounterVec
	sends          *prometheus.CounterVec
	feedEvents     *prometheus.CounterVec
	reconnects     prometheus.Counter
}

// New creates a fresh registry with all collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Storage upload attempts by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Message sends by outcome.",
		}, []string{"outcome"}),
		feedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_events_total",
			Help:      "Domain events emitted by the realtime feed, by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_reconnects_total",
			Help:      "Realtime socket reconnects.",
		}),
	}
	m.registry.MustRegister(m.uploadAttempts, m.sends, m.feedEvents, m.reconnects)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Upload attempt results.
const (
	UploadSuccess   = "success"
	UploadRetry     = "retry"
	UploadTerminal  = "terminal"
	UploadExhausted = "exhausted"
)

func (m *Metrics) UploadAttempt(result string) {
	if m != nil {
		m.uploadAttempts.WithLabelValues(result).Inc()
	}
}

// Send outcomes.
const (
	SendConfirmed  = "confirmed"
	SendFailed     = "failed"
	SendInProgress = "in_progress"
)

func (m *Metrics) Send(outcome string) {
	if m != nil {
		m.sends.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) FeedEvent(eventType string) {
	if m != nil {
		m.feedEvents.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}
