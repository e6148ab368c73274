// Package metrics provides Prometheus instrumentation for wafpolicy.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ppiankov/wafpolicy/internal/schema"
)

// Collector records compilation pass outcomes as Prometheus metrics.
type Collector struct {
	passTotal    *prometheus.CounterVec
	passDuration prometheus.Histogram
	fetchTotal   *prometheus.CounterVec
	warnings     prometheus.Gauge
	proxyHosts   *prometheus.GaugeVec
	lastSuccess  prometheus.Gauge
	mu           sync.Mutex
}

// NewCollector creates and registers metrics on the given registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		passTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wafpolicy",
			Name:      "pass_total",
			Help:      "Compilation passes by result (success, partial, failure).",
		}, []string{"result"}),

		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wafpolicy",
			Name:      "pass_duration_seconds",
			Help:      "Duration of compilation passes in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wafpolicy",
			Name:      "fetch_total",
			Help:      "Fragment fetches by kind and result (ok, error, filtered).",
		}, []string{"kind", "result"}),

		warnings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wafpolicy",
			Name:      "warnings",
			Help:      "Number of warnings recorded by the last pass.",
		}),

		proxyHosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "wafpolicy",
			Name:      "proxy_hosts",
			Help:      "Proxy hosts of the last synthesis by state (rendered, failed).",
		}, []string{"state"}),

		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "wafpolicy",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix timestamp of the last pass that wrote a policy.",
		}),
	}

	reg.MustRegister(c.passTotal)
	reg.MustRegister(c.passDuration)
	reg.MustRegister(c.fetchTotal)
	reg.MustRegister(c.warnings)
	reg.MustRegister(c.proxyHosts)
	reg.MustRegister(c.lastSuccess)

	return c
}

// ObservePass records one pass. Any result other than "failure" counts as a success timestamp.
func (c *Collector) ObservePass(result string, duration time.Duration, warnings int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.passTotal.With(prometheus.Labels{"result": result}).Inc()
	c.passDuration.Observe(duration.Seconds())
	c.warnings.Set(float64(warnings))
	if result != "failure" {
		c.lastSuccess.Set(float64(at.Unix()))
	}
}

// ObserveFetch counts one fragment fetch outcome.
func (c *Collector) ObserveFetch(kind schema.Kind, result string) {
	c.fetchTotal.With(prometheus.Labels{"kind": string(kind), "result": result}).Inc()
}

// SetProxyHosts replaces the proxy host gauges.
func (c *Collector) SetProxyHosts(rendered, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.proxyHosts.Reset()
	c.proxyHosts.With(prometheus.Labels{"state": "rendered"}).Set(float64(rendered))
	c.proxyHosts.With(prometheus.Labels{"state": "failed"}).Set(float64(failed))
}
