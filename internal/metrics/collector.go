// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// PoolSource reports the number of credentials per status.
type PoolSource interface {
	StatusCounts() map[domain.CredentialStatus]int
}

// Collector groups the gateway metrics. A nil *Collector is valid and
// records nothing, so components can run without metrics wired.
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	upstreamAttempts *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	mirrorsTotal *prometheus.CounterVec
	cacheBytes   *prometheus.GaugeVec
	evictions    *prometheus.CounterVec

	rejections *prometheus.CounterVec

	reg       prometheus.Registerer
	namespace string
}

// NewCollector registers the collectors on reg.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	f := promauto.With(reg)
	c := &Collector{reg: reg, namespace: namespace}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"method", "route"},
	)

	c.upstreamAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Upstream attempts by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	c.upstreamDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Duration of one upstream attempt",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"model"},
	)

	c.mirrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_mirrors_total",
			Help:      "Media mirror requests by kind and result",
		},
		[]string{"kind", "result"}, // result: hit, fetched, failed
	)

	c.cacheBytes = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "media_cache_bytes",
			Help:      "Bytes held by the media cache per kind",
		},
		[]string{"kind"},
	)

	c.evictions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_evictions_total",
			Help:      "Artifacts evicted from the media cache",
		},
		[]string{"kind"},
	)

	c.rejections = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_rejections_total",
			Help:      "Inbound requests rejected by the admission ceiling",
		},
		[]string{"route"},
	)

	return c
}

// WatchPool registers a gauge that reads credential status counts at scrape time.
func (c *Collector) WatchPool(src PoolSource) {
	if c == nil {
		return
	}
	c.reg.MustRegister(&poolCollector{
		src: src,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(c.namespace, "", "credentials"),
			"Credentials in the pool by status",
			[]string{"status"}, nil,
		),
	})
}

func (c *Collector) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (c *Collector) RecordAttempt(model string, outcome domain.OutcomeKind, duration time.Duration) {
	if c == nil {
		return
	}
	c.upstreamAttempts.WithLabelValues(model, string(outcome)).Inc()
	c.upstreamDuration.WithLabelValues(model).Observe(duration.Seconds())
}

func (c *Collector) RecordMirror(kind domain.MediaKind, result string) {
	if c == nil {
		return
	}
	c.mirrorsTotal.WithLabelValues(string(kind), result).Inc()
}

func (c *Collector) SetCacheBytes(kind domain.MediaKind, n int64) {
	if c == nil {
		return
	}
	c.cacheBytes.WithLabelValues(string(kind)).Set(float64(n))
}

func (c *Collector) RecordEviction(kind domain.MediaKind) {
	if c == nil {
		return
	}
	c.evictions.WithLabelValues(string(kind)).Inc()
}

func (c *Collector) RecordRejection(route string) {
	if c == nil {
		return
	}
	c.rejections.WithLabelValues(route).Inc()
}

type poolCollector struct {
	src  PoolSource
	desc *prometheus.Desc
}

func (p *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *poolCollector) Collect(ch chan<- prometheus.Metric) {
	counts := p.src.StatusCounts()
	for _, status := range []domain.CredentialStatus{domain.StatusActive, domain.StatusCoolingDown, domain.StatusInvalid} {
		ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(counts[status]), string(status))
	}
}
