package infra

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "ctrldsync"

// Metrics holds the counters of a single run. Each run gets its own
// registry so concurrent runs in one process do not share state.
type Metrics struct {
	registry *prometheus.Registry

	apiCalls      *prometheus.CounterVec
	sourceFetches prometheus.Counter
	cacheEvents   *prometheus.CounterVec
	retries       *prometheus.CounterVec
	rulesPushed   prometheus.Counter
	batchFailures prometheus.Counter
	rateRemaining prometheus.Gauge

	apiTotal   atomic.Int64
	fetchTotal atomic.Int64
}

// NewMetrics creates a registry with all run counters registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "api_calls_total",
			Help:      "Control-plane API calls by method.",
		}, []string{"method"}),
		sourceFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "source_fetches_total",
			Help:      "Network fetches of source documents.",
		}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_events_total",
			Help:      "Source cache hits, misses, validations and errors.",
		}, []string{"event"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Request retries by reason.",
		}, []string{"reason"}),
		rulesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rules_pushed_total",
			Help:      "Rules transmitted in successful batches.",
		}),
		batchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "batch_failures_total",
			Help:      "Rule batches that failed after retries.",
		}),
		rateRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_remaining",
			Help:      "Last observed X-RateLimit-Remaining value.",
		}),
	}
	m.registry.MustRegister(
		m.apiCalls,
		m.sourceFetches,
		m.cacheEvents,
		m.retries,
		m.rulesPushed,
		m.batchFailures,
		m.rateRemaining,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) IncAPICall(method string) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(method).Inc()
	m.apiTotal.Add(1)
}

func (m *Metrics) IncSourceFetch() {
	if m == nil {
		return
	}
	m.sourceFetches.Inc()
	m.fetchTotal.Add(1)
}

func (m *Metrics) IncCacheEvent(event string) {
	if m == nil {
		return
	}
	m.cacheEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncRetry(reason string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddRulesPushed(n int) {
	if m == nil {
		return
	}
	m.rulesPushed.Add(float64(n))
}

func (m *Metrics) IncBatchFailure() {
	if m == nil {
		return
	}
	m.batchFailures.Inc()
}

func (m *Metrics) SetRateLimitRemaining(v int) {
	if m == nil {
		return
	}
	m.rateRemaining.Set(float64(v))
}

// APICalls returns the number of control-plane calls made.
func (m *Metrics) APICalls() int64 {
	if m == nil {
		return 0
	}
	return m.apiTotal.Load()
}

// SourceFetches returns the number of source network fetches made.
func (m *Metrics) SourceFetches() int64 {
	if m == nil {
		return 0
	}
	return m.fetchTotal.Load()
}

// WriteTextfile exports the registry in the node_exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
