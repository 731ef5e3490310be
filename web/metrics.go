package web

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "socks5"

// statsCollector 在每次抓取时读取统计快照
type statsCollector struct {
	stats StatsSource
	cache CacheSource

	active    *prometheus.Desc
	total     *prometheus.Desc
	uptime    *prometheus.Desc
	rejected  *prometheus.Desc
	bytes     *prometheus.Desc
	failures  *prometheus.Desc
	dnsSize   *prometheus.Desc
	dnsHits   *prometheus.Desc
	dnsMisses *prometheus.Desc
}

func newStatsCollector(stats StatsSource, cache CacheSource) *statsCollector {
	return &statsCollector{
		stats: stats,
		cache: cache,
		active: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_connections"),
			"Connections currently being handled.", nil, nil),
		total: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connections_total"),
			"Connections admitted since start.", nil, nil),
		uptime: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the server started.", nil, nil),
		rejected: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "rejected_connections_total"),
			"Connections refused before the handshake.", []string{"reason"}, nil),
		bytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "relayed_bytes_total"),
			"Bytes relayed between clients and targets.", []string{"direction"}, nil),
		failures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "connection_errors_total"),
			"Failed connections by error kind.", []string{"kind"}, nil),
		dnsSize: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dns_cache", "entries"),
			"Entries in the DNS cache.", nil, nil),
		dnsHits: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dns_cache", "hits_total"),
			"DNS cache hits.", nil, nil),
		dnsMisses: prometheus.NewDesc(prometheus.BuildFQName(namespace, "dns_cache", "misses_total"),
			"DNS cache misses.", nil, nil),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.total
	ch <- c.uptime
	ch <- c.rejected
	ch <- c.bytes
	ch <- c.failures
	if c.cache != nil {
		ch <- c.dnsSize
		ch <- c.dnsHits
		ch <- c.dnsMisses
	}
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()

	ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(snap.ActiveConnections))
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(snap.TotalConnections))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, float64(snap.UptimeSeconds))
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(snap.RejectedCapacity), "capacity")
	ch <- prometheus.MustNewConstMetric(c.rejected, prometheus.CounterValue, float64(snap.RejectedACL), "acl")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(snap.BytesUp), "up")
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(snap.BytesDown), "down")
	for kind, n := range snap.Errors {
		ch <- prometheus.MustNewConstMetric(c.failures, prometheus.CounterValue, float64(n), kind)
	}

	if c.cache != nil {
		cs := c.cache.Stats()
		ch <- prometheus.MustNewConstMetric(c.dnsSize, prometheus.GaugeValue, float64(cs.Entries))
		ch <- prometheus.MustNewConstMetric(c.dnsHits, prometheus.CounterValue, float64(cs.Hits))
		ch <- prometheus.MustNewConstMetric(c.dnsMisses, prometheus.CounterValue, float64(cs.Misses))
	}
}
