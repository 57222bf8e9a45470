// Metrics exporters for Bus delivery and pool statistics.
//
// Provides:
//   - PrometheusCollector implementing prometheus.Collector
//   - DatadogStatsdExporter for periodic flush to a DogStatsD endpoint
//
// Design goals, carried over from this module's lineage:
//   - Pull-based: exporters read Bus.Stats()/pool Integrity snapshots on
//     scrape/flush and add no instrumentation of their own to the publish
//     path.
//   - Safe concurrent usage: every scrape/flush takes its own snapshot.
package eventbus

import (
	"context"
	"fmt"
	"time"

	statsd "github.com/DataDog/datadog-go/v5/statsd"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	errNilBus           = fmt.Errorf("eventbus: nil bus supplied")
	errInvalidInterval  = fmt.Errorf("eventbus: interval must be > 0")
)

// ----- Prometheus collector -----

// PrometheusCollector exposes cumulative delivered/dropped counters and
// per-pool gauges (live count, high water, free list length) for a Bus.
type PrometheusCollector struct {
	bus *Bus

	deliveredDesc *prometheus.Desc
	droppedDesc   *prometheus.Desc
	poolCountDesc *prometheus.Desc
	poolHighDesc  *prometheus.Desc
	poolFreeDesc  *prometheus.Desc
}

// NewPrometheusCollector builds a collector for bus. namespace prefixes
// every metric name; an empty namespace defaults to "eventbus".
func NewPrometheusCollector(bus *Bus, namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "eventbus"
	}
	return &PrometheusCollector{
		bus: bus,
		deliveredDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_delivered_total", namespace),
			"Total delivered events (cumulative)", nil, nil),
		droppedDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_dropped_total", namespace),
			"Total dropped deliveries (cumulative)", nil, nil),
		poolCountDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_pool_live", namespace),
			"Live allocations in a pool", []string{"class"}, nil),
		poolHighDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_pool_high_water", namespace),
			"High-water mark of a pool", []string{"class"}, nil),
		poolFreeDesc: prometheus.NewDesc(
			fmt.Sprintf("%s_pool_free", namespace),
			"Free-list length of a pool", []string{"class"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.deliveredDesc
	ch <- c.droppedDesc
	ch <- c.poolCountDesc
	ch <- c.poolHighDesc
	ch <- c.poolFreeDesc
}

// Collect implements prometheus.Collector.
func (c *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	delivered, dropped := c.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.deliveredDesc, prometheus.CounterValue, float64(delivered))
	ch <- prometheus.MustNewConstMetric(c.droppedDesc, prometheus.CounterValue, float64(dropped))

	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	for _, class := range []AllocClass{AllocSmall, AllocMedium, AllocLarge} {
		info, _ := c.bus.pools[class].Integrity()
		label := class.String()
		ch <- prometheus.MustNewConstMetric(c.poolCountDesc, prometheus.GaugeValue, float64(info.Count), label)
		ch <- prometheus.MustNewConstMetric(c.poolHighDesc, prometheus.GaugeValue, float64(info.HighWater), label)
		ch <- prometheus.MustNewConstMetric(c.poolFreeDesc, prometheus.GaugeValue, float64(info.FreeCount), label)
	}
}

// ----- Datadog StatsD exporter -----

// DatadogStatsdExporter periodically flushes the same delivered/dropped
// counters to a DogStatsD-compatible endpoint.
type DatadogStatsdExporter struct {
	bus      *Bus
	prefix   string
	interval time.Duration
	client   *statsd.Client
}

// NewDatadogStatsdExporter builds an exporter flushing every interval to
// addr (e.g. "127.0.0.1:8125"). tags are attached to every metric.
func NewDatadogStatsdExporter(bus *Bus, prefix, addr string, interval time.Duration, tags []string) (*DatadogStatsdExporter, error) {
	if bus == nil {
		return nil, errNilBus
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	client, err := statsd.New(addr, statsd.WithNamespace(prefix+"."), statsd.WithTags(tags))
	if err != nil {
		return nil, fmt.Errorf("eventbus: datadog statsd client: %w", err)
	}
	return &DatadogStatsdExporter{bus: bus, prefix: prefix, interval: interval, client: client}, nil
}

// Run flushes stats every interval until ctx is cancelled.
func (e *DatadogStatsdExporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return e.client.Close()
		case <-ticker.C:
			delivered, dropped := e.bus.Stats()
			_ = e.client.Gauge("delivered_total", float64(delivered), nil, 1)
			_ = e.client.Gauge("dropped_total", float64(dropped), nil, 1)
		}
	}
}
