// Package metrics exposes the proxy's runtime counters as Prometheus
// collectors. Metrics are package-level vars registered once in init(), the
// idiom used throughout this stack for global-cardinality counters; the
// Metrics struct is just a named handle onto them, passed around instead of
// reaching for the global registry directly.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_requests_total",
		Help: "Total requests received on the proxy entry point.",
	})
	requestsProxied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_requests_proxied_total",
		Help: "Requests that completed the full pipeline and reached a result.",
	})
	requestsAuthShortcut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_requests_auth_shortcut_total",
		Help: "Requests served by the local /auth shortcut without reaching upstream.",
	})
	requestsBlockedGlobal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_requests_blocked_global_total",
		Help: "Requests rejected by the global abuse threshold.",
	})
	requestsBlockedUser = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_requests_blocked_user_total",
		Help: "Requests rejected by the per-user abuse threshold.",
	})
	errorsUpstream = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_errors_upstream_total",
		Help: "Upstream dispatch failures (network error or non-decodable response).",
	})
	errorsReverse = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hubproxy_errors_reverse_total",
		Help: "Parameter-reversal failures (UnknownParameter) that aborted a request.",
	})
	upstreamLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hubproxy_upstream_latency_seconds",
		Help:    "Latency of upstream dispatch calls.",
		Buckets: prometheus.DefBuckets,
	})
	mixerBuildLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "hubproxy_mixer_build_latency_seconds",
		Help:    "Latency of mixer cache lookups, including cold builds.",
		Buckets: prometheus.DefBuckets,
	})
	mixerCacheSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hubproxy_mixer_cache_size",
		Help: "Current number of mixers held in the LRU cache.",
	})
)

func init() {
	prometheus.MustRegister(
		requestsTotal,
		requestsProxied,
		requestsAuthShortcut,
		requestsBlockedGlobal,
		requestsBlockedUser,
		errorsUpstream,
		errorsReverse,
		upstreamLatency,
		mixerBuildLatency,
		mixerCacheSize,
	)
}

// Metrics is a handle onto the package's registered collectors. The zero
// value is usable; New exists for symmetry with the rest of this codebase's
// constructors.
type Metrics struct {
	RequestsTotal         prometheus.Counter
	RequestsProxied       prometheus.Counter
	RequestsAuthShortcut  prometheus.Counter
	RequestsBlockedGlobal prometheus.Counter
	RequestsBlockedUser   prometheus.Counter
	ErrorsUpstream        prometheus.Counter
	ErrorsReverse         prometheus.Counter
	UpstreamLatency       prometheus.Histogram
	MixerBuildSeconds     prometheus.Histogram
	MixerCacheSize        prometheus.Gauge

	startTime time.Time
}

// New returns a Metrics bound to the package's registered collectors.
func New() *Metrics {
	return &Metrics{
		RequestsTotal:         requestsTotal,
		RequestsProxied:       requestsProxied,
		RequestsAuthShortcut:  requestsAuthShortcut,
		RequestsBlockedGlobal: requestsBlockedGlobal,
		RequestsBlockedUser:   requestsBlockedUser,
		ErrorsUpstream:        errorsUpstream,
		ErrorsReverse:         errorsReverse,
		UpstreamLatency:       upstreamLatency,
		MixerBuildSeconds:     mixerBuildLatency,
		MixerCacheSize:        mixerCacheSize,
		startTime:             time.Now(),
	}
}

// Uptime reports how long this Metrics instance has existed, for the
// management server's /status endpoint.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Handler returns the promhttp handler for mounting at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
