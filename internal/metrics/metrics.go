// Package metrics exposes the chat backend's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "smartbot"

// Collector owns a private registry and the metrics recorded into it.
//
// A nil *Collector is valid and records nothing, so components can take
// one unconditionally and main only builds it when metrics are enabled.
type Collector struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	rateLimited   prometheus.Counter
	licenseChecks *prometheus.CounterVec
}

// NewCollector creates a Collector with its own registry, pre-loaded with
// the Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by provider and outcome (success or error kind).",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of upstream provider calls.",
			// LLM calls: a few hundred ms up to the 30s client timeout.
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
		}, []string{"provider"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Chat requests refused by the per-visitor rate limiter.",
		}),
		licenseChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_checks_total",
			Help:      "License verifications by source (cache or remote) and result.",
		}, []string{"source", "result"}),
	}

	reg.MustRegister(
		c.requests,
		c.duration,
		c.rateLimited,
		c.licenseChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveRequest records one finished chat request. outcome is "success"
// or the error kind; provider is the configured identity.
func (c *Collector) ObserveRequest(provider, outcome string) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(provider, outcome).Inc()
}

// ObserveUpstream records how long a provider call took.
func (c *Collector) ObserveUpstream(provider string, d time.Duration) {
	if c == nil {
		return
	}
	c.duration.WithLabelValues(provider).Observe(d.Seconds())
}

// RateLimited counts one refused request.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// LicenseCheck counts one license lookup.
func (c *Collector) LicenseCheck(source string, valid bool) {
	if c == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	c.licenseChecks.WithLabelValues(source, result).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
