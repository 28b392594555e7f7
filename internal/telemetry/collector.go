// Package telemetry exports runtime gauges for the signaling hub and the
// peer engine to Prometheus, the way the rest of the retrieved stack
// exposes metrics rather than hand-rolling a JSON snapshot endpoint.
package telemetry

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource supplies a flat set of named gauges. internal/signaling's
// Hub and internal/engine's Registry both implement it.
type StatsSource interface {
	GetStats() map[string]float64
}

// Collector wires one or more StatsSources into a Prometheus registry and
// serves them on /metrics.
type Collector struct {
	registry *prometheus.Registry
	logger   *slog.Logger
}

// NewCollector creates an empty collector.
func NewCollector(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		registry: prometheus.NewRegistry(),
		logger:   logger.With("component", "telemetry"),
	}
}

// Register exposes one GaugeFunc per key returned by source.GetStats(),
// named "clouddrop_<namespace>_<key>". Each gauge re-queries the source on
// every scrape rather than caching, since these sources are already
// mutex-guarded and cheap to read.
func (c *Collector) Register(namespace string, source StatsSource) {
	for key := range source.GetStats() {
		key := key
		gauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "clouddrop_" + namespace + "_" + key,
		}, func() float64 {
			return source.GetStats()[key]
		})
		if err := c.registry.Register(gauge); err != nil {
			c.logger.Warn("failed to register gauge", "namespace", namespace, "key", key, "err", err)
		}
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
