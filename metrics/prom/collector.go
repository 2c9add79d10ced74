package prom

import (
	"github.com/IvanBrykalov/fdscache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// RegistryCollector reports a cache.Registry at scrape time: how many caches
// are enrolled, how many bytes they account for and how many are pinned.
type RegistryCollector struct {
	reg *cache.Registry

	entries *prometheus.Desc
	bytes   *prometheus.Desc
	pinned  *prometheus.Desc
}

// NewRegistryCollector builds a collector for r. Register it with
// prometheus.Registerer.MustRegister.
func NewRegistryCollector(r *cache.Registry, ns string, constLabels prometheus.Labels) *RegistryCollector {
	name := func(s string) string { return prometheus.BuildFQName(ns, "registry", s) }
	return &RegistryCollector{
		reg:     r,
		entries: prometheus.NewDesc(name("entries"), "Caches enrolled in the registry", nil, constLabels),
		bytes:   prometheus.NewDesc(name("size_bytes"), "Accounted size of enrolled caches with a known size", nil, constLabels),
		pinned:  prometheus.NewDesc(name("pinned_entries"), "Enrolled caches whose value has outstanding references", nil, constLabels),
	}
}

// Describe implements prometheus.Collector.
func (c *RegistryCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.bytes
	ch <- c.pinned
}

// Collect implements prometheus.Collector.
func (c *RegistryCollector) Collect(ch chan<- prometheus.Metric) {
	rows := c.reg.Snapshot()
	var size, pinned int
	for _, row := range rows {
		if row.SizeKnown {
			size += row.Size
		}
		if row.Pinned() {
			pinned++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(len(rows)))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(size))
	ch <- prometheus.MustNewConstMetric(c.pinned, prometheus.GaugeValue, float64(pinned))
}

var _ prometheus.Collector = (*RegistryCollector)(nil)
