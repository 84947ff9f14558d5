// Package metrics exposes tunnel counters to prometheus.
//
// All methods are safe on a nil *Collector, so callers that do not care
// about metrics can pass nil.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devtunnel"

// Fetch outcomes.
const (
	FetchDelivered = "delivered"
	FetchEmpty     = "empty"
	FetchNoHeaders = "no_headers"
	FetchChunked   = "chunked"
	FetchNotFound  = "not_found"
	FetchFailed    = "failed"
)

type Collector struct {
	registry *prometheus.Registry

	sessionsBound  prometheus.Gauge
	activePolls    prometheus.Gauge
	accepted       prometheus.Counter
	relayed        prometheus.Counter
	errorResponses *prometheus.CounterVec
	fetchOutcomes  *prometheus.CounterVec
	evictions      prometheus.Counter
	rateLimited    *prometheus.CounterVec
}

// New returns a Collector with its own registry, which also carries the
// Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_bound",
			Help:      "Number of sessions holding a public port",
		}),
		activePolls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_polls",
			Help:      "Number of long-poll calls in flight",
		}),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_connections_total",
			Help:      "Total public connections accepted",
		}),
		relayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_relayed_total",
			Help:      "Total responses relayed back to public connections",
		}),
		errorResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_responses_total",
			Help:      "Synthetic error responses sent to public connections",
		}, []string{"status"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_outcomes_total",
			Help:      "Long-poll fetch results",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_evictions_total",
			Help:      "Idle sessions evicted to free a port",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Calls refused by a per-IP limiter",
		}, []string{"endpoint"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.sessionsBound,
		c.activePolls,
		c.accepted,
		c.relayed,
		c.errorResponses,
		c.fetchOutcomes,
		c.evictions,
		c.rateLimited,
	)
	return c
}

// Handler serves the registry in the prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) SessionBound() {
	if c != nil {
		c.sessionsBound.Inc()
	}
}

func (c *Collector) SessionUnbound() {
	if c != nil {
		c.sessionsBound.Dec()
	}
}

func (c *Collector) PollStarted() {
	if c != nil {
		c.activePolls.Inc()
	}
}

func (c *Collector) PollFinished() {
	if c != nil {
		c.activePolls.Dec()
	}
}

func (c *Collector) ConnectionAccepted() {
	if c != nil {
		c.accepted.Inc()
	}
}

func (c *Collector) RequestRelayed() {
	if c != nil {
		c.relayed.Inc()
	}
}

func (c *Collector) ErrorResponse(status string) {
	if c != nil {
		c.errorResponses.WithLabelValues(status).Inc()
	}
}

func (c *Collector) FetchOutcome(result string) {
	if c != nil {
		c.fetchOutcomes.WithLabelValues(result).Inc()
	}
}

func (c *Collector) PortEvicted() {
	if c != nil {
		c.evictions.Inc()
	}
}

func (c *Collector) RateLimited(endpoint string) {
	if c != nil {
		c.rateLimited.WithLabelValues(endpoint).Inc()
	}
}
