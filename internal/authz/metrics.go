package authz

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for permission resolution. A nil
// *Metrics records nothing.
type Metrics struct {
	cacheLookups  *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	fetchFailures *prometheus.CounterVec
	warmDropped   prometheus.Counter
	sessions      prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// NewMetrics registers the collectors against registerer. A nil registerer
// uses the Prometheus default registerer, registering only once per process.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultMetricsOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	lookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_cache_lookups_total",
		Help: "Synchronous permission lookups partitioned by cache result.",
	}, []string{"result"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_decisions_total",
		Help: "Authoritative permission decisions partitioned by outcome.",
	}, []string{"outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_authz_fetch_duration_seconds",
		Help:    "Duration of backend fetches for roles, permissions and modules.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_authz_fetch_failures_total",
		Help: "Backend fetch failures partitioned by source.",
	}, []string{"source"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_authz_warm_dropped_total",
		Help: "Background warm requests dropped because the queue was full.",
	})
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_authz_sessions",
		Help: "Permission engines currently held by the session registry.",
	})
	registerer.MustRegister(lookups, decisions, duration, failures, dropped, sessions)
	return &Metrics{
		cacheLookups:  lookups,
		decisions:     decisions,
		fetchDuration: duration,
		fetchFailures: failures,
		warmDropped:   dropped,
		sessions:      sessions,
	}
}

func (m *Metrics) cacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) cacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d.String()).Inc()
}

func (m *Metrics) observeFetch(source string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	if err != nil {
		m.fetchFailures.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) droppedWarm() {
	if m == nil {
		return
	}
	m.warmDropped.Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}
