package tbcache

import (
	"github.com/prometheus/client_golang/prometheus"

	"tbcache/pkg/errors"
)

const metricsNamespace = "tbcache"

func (c *Cache) registerMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "blocks",
			Help:      "Translation blocks currently in the hash table.",
		}, func() float64 { return float64(c.hash.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "code_buffer_used_bytes",
			Help:      "Bytes of the host code buffer in use.",
		}, func() float64 { return float64(c.code.Used()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publishes_total",
			Help:      "Blocks published.",
		}, func() float64 { return float64(c.publishCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "publish_conflicts_total",
			Help:      "Publications that lost to an equivalent block.",
		}, func() float64 { return float64(c.publishConflicts.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "invalidations_total",
			Help:      "Blocks invalidated.",
		}, func() float64 { return float64(c.invalidateCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Full cache flushes performed.",
		}, func() float64 { return float64(c.flushCount.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flush_requests_total",
			Help:      "Flushes requested, including those that collapsed into another.",
		}, func() float64 { return float64(c.flushRequests.Load()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "page_lock_retries_total",
			Help:      "Times a page collection released its locks and started over.",
		}, func() float64 { return float64(c.pages.Retries()) }),
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return errors.Wrap(err, "registering cache metrics")
		}
	}
	return nil
}
