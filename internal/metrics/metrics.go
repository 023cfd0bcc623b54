// ============================================================================
// File-Change Pipeline Metrics - Prometheus
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose pipeline metrics for Prometheus scraping
//
// Metric groups:
//
//   1. Ingestion (Counter):
//      - filechanges_messages_received_total
//      - filechanges_messages_ignored_total
//      - filechanges_messages_malformed_total
//      - filechanges_messages_retried_total
//      - filechanges_messages_dead_total
//
//   2. Fan-out (CounterVec / Counter):
//      - filechanges_notifications_sent_total{kind}
//      - filechanges_notifications_failed_total{kind}
//      - filechanges_inputs_queued_total
//      - filechanges_telemetry_events_total{type}
//
//   3. Latency (Histogram):
//      - filechanges_route_latency_seconds
//
// A nil *Collector is valid and records nothing, so components can be built
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the pipeline's Prometheus metrics.
type Collector struct {
	messagesReceived  prometheus.Counter
	messagesIgnored   prometheus.Counter
	messagesMalformed prometheus.Counter
	messagesRetried   prometheus.Counter
	messagesDead      prometheus.Counter

	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	inputsQueued        prometheus.Counter
	telemetryEvents     *prometheus.CounterVec

	routeLatency prometheus.Histogram
}

// NewCollector creates the collector and registers it with the default
// registerer.
func NewCollector() *Collector {
	c := &Collector{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_messages_received_total",
			Help: "Total number of file-change messages received",
		}),
		messagesIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_messages_ignored_total",
			Help: "Total number of messages acknowledged without processing",
		}),
		messagesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_messages_malformed_total",
			Help: "Total number of messages that failed validation",
		}),
		messagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_messages_retried_total",
			Help: "Total number of message redeliveries",
		}),
		messagesDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_messages_dead_total",
			Help: "Total number of messages dropped after the final attempt",
		}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filechanges_notifications_sent_total",
			Help: "Total number of notifications dispatched, by destination kind",
		}, []string{"kind"}),
		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filechanges_notifications_failed_total",
			Help: "Total number of failed notification dispatches, by destination kind",
		}, []string{"kind"}),
		inputsQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filechanges_inputs_queued_total",
			Help: "Total number of file URLs pushed onto task input queues",
		}),
		telemetryEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filechanges_telemetry_events_total",
			Help: "Total number of telemetry events emitted, by event type",
		}, []string{"type"}),
		routeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "filechanges_route_latency_seconds",
			Help:    "Time spent routing one file-change event",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(c.messagesReceived)
	prometheus.MustRegister(c.messagesIgnored)
	prometheus.MustRegister(c.messagesMalformed)
	prometheus.MustRegister(c.messagesRetried)
	prometheus.MustRegister(c.messagesDead)
	prometheus.MustRegister(c.notificationsSent)
	prometheus.MustRegister(c.notificationsFailed)
	prometheus.MustRegister(c.inputsQueued)
	prometheus.MustRegister(c.telemetryEvents)
	prometheus.MustRegister(c.routeLatency)

	return c
}

// RecordReceived counts an inbound message.
func (c *Collector) RecordReceived() {
	if c == nil {
		return
	}
	c.messagesReceived.Inc()
}

// RecordIgnored counts a message discarded as a no-op.
func (c *Collector) RecordIgnored() {
	if c == nil {
		return
	}
	c.messagesIgnored.Inc()
}

// RecordMalformed counts a message that failed validation.
func (c *Collector) RecordMalformed() {
	if c == nil {
		return
	}
	c.messagesMalformed.Inc()
}

// RecordRetried counts a redelivery.
func (c *Collector) RecordRetried() {
	if c == nil {
		return
	}
	c.messagesRetried.Inc()
}

// RecordDead counts a message dropped after its final attempt.
func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.messagesDead.Inc()
}

// RecordNotification counts a dispatch to a destination kind.
func (c *Collector) RecordNotification(kind string, ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.notificationsSent.WithLabelValues(kind).Inc()
		return
	}
	c.notificationsFailed.WithLabelValues(kind).Inc()
}

// RecordInputQueued counts a publish onto a task input queue.
func (c *Collector) RecordInputQueued() {
	if c == nil {
		return
	}
	c.inputsQueued.Inc()
}

// RecordTelemetry counts an emitted telemetry event.
func (c *Collector) RecordTelemetry(eventType string) {
	if c == nil {
		return
	}
	c.telemetryEvents.WithLabelValues(eventType).Inc()
}

// ObserveRoute records how long one routing call took.
func (c *Collector) ObserveRoute(seconds float64) {
	if c == nil {
		return
	}
	c.routeLatency.Observe(seconds)
}

// Handler returns the HTTP handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer starts the Prometheus metrics HTTP server on port.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
