package echoapi

import (
	"github.com/aneshas/aggregator/ingest"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Statser provides ingestion stats snapshots
type Statser interface {
	Stats() ingest.Stats
}

var (
	receivedDesc = prometheus.NewDesc(
		"aggregator_events_received_total",
		"Events presented for ingestion, duplicates included.",
		nil, nil,
	)
	uniqueDesc = prometheus.NewDesc(
		"aggregator_events_unique_processed_total",
		"Events accepted on first sight.",
		nil, nil,
	)
	duplicateDesc = prometheus.NewDesc(
		"aggregator_events_duplicate_dropped_total",
		"Events dropped because their key was already claimed.",
		nil, nil,
	)
	uptimeDesc = prometheus.NewDesc(
		"aggregator_uptime_seconds",
		"Seconds since the counters were created.",
		nil, nil,
	)
)

// NewCollector exposes engine stats as prometheus metrics.
// All values of one scrape come from a single snapshot
func NewCollector(s Statser) prometheus.Collector {
	return &collector{stats: s}
}

type collector struct {
	stats Statser
}

// Describe implements prometheus.Collector
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- receivedDesc
	ch <- uniqueDesc
	ch <- duplicateDesc
	ch <- uptimeDesc
}

// Collect implements prometheus.Collector
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Stats()

	ch <- prometheus.MustNewConstMetric(receivedDesc, prometheus.CounterValue, float64(s.Received))
	ch <- prometheus.MustNewConstMetric(uniqueDesc, prometheus.CounterValue, float64(s.UniqueProcessed))
	ch <- prometheus.MustNewConstMetric(duplicateDesc, prometheus.CounterValue, float64(s.DuplicateDropped))
	ch <- prometheus.MustNewConstMetric(uptimeDesc, prometheus.GaugeValue, s.Uptime.Seconds())
}

// RegisterMetrics mounts GET /metrics backed by a dedicated registry
func RegisterMetrics(e *echo.Echo, s Statser) error {
	reg := prometheus.NewRegistry()

	if err := reg.Register(NewCollector(s)); err != nil {
		return err
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	return nil
}
