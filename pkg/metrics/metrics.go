// Package metrics registers the three normative Prometheus series
// against a private registry (never the global default one, so a test
// or a second instance in the same process never collides on
// re-registration) and exposes a handler to scrape them.
package metrics

import (
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{50, 100, 200, 300, 500, 750, 1000, 1500, 2000, 3000, 5000, 10000}

// Metrics holds the registry and the three series the core emits.
type Metrics struct {
	registry        *prometheus.Registry
	checksTotal     *prometheus.CounterVec
	latencyMS       *prometheus.HistogramVec
	manualQueueSize prometheus.Gauge
}

// New builds and registers the series against a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pingtower_checks_total",
			Help: "Total number of URL checks performed.",
		}, []string{"target_id", "outcome", "status_code"}),
		latencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pingtower_latency_ms",
			Help:    "URL check latency in milliseconds.",
			Buckets: latencyBuckets,
		}, []string{"target_id"}),
		manualQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pingtower_manual_queue_size",
			Help: "Current size of the manual-check priority queue.",
		}),
	}

	registry.MustRegister(m.checksTotal, m.latencyMS, m.manualQueueSize)
	return m
}

// RecordCheck implements scheduler.MetricsRecorder.
func (m *Metrics) RecordCheck(targetID int64, ok bool, statusCode int, latencyMS int) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	statusLabel := "none"
	if statusCode > 0 {
		statusLabel = strconv.Itoa(statusCode)
	}
	targetLabel := fmt.Sprintf("%d", targetID)

	m.checksTotal.WithLabelValues(targetLabel, outcome, statusLabel).Inc()
	if latencyMS >= 0 {
		m.latencyMS.WithLabelValues(targetLabel).Observe(float64(latencyMS))
	}
}

// SetManualQueueSize implements scheduler.MetricsRecorder.
func (m *Metrics) SetManualQueueSize(n int) {
	if n < 0 {
		n = 0
	}
	m.manualQueueSize.Set(float64(n))
}

// Handler returns a gin handler serving this registry's metrics in the
// Prometheus exposition format.
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}
