// Package metrics owns the process-wide prometheus registry. It is built
// once at startup and shared by reference; every instrument is safe for
// concurrent use.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/version"
)

var durationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Registry struct {
	reg     *prometheus.Registry
	handler http.Handler
	started time.Time

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter
	profilingActive        prometheus.Gauge

	probeTotal    *prometheus.CounterVec
	probeDur      *prometheus.HistogramVec
	serviceUp     *prometheus.GaugeVec
	aggTotal      *prometheus.CounterVec
	aggDur        prometheus.Histogram
	catalogSize   prometheus.Gauge
	subscribers   prometheus.Gauge
	ticksTotal    prometheus.Counter
	tickFailures  *prometheus.CounterVec
	messagesTotal prometheus.Counter
}

// New returns a registry with the Go and process collectors, an uptime
// gauge and the monitor's own instruments. Process values are read at
// gather time, so nothing has to refresh them in the background.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{reg: reg, started: time.Now()}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "process_uptime_seconds",
			Help: "Seconds since the monitor process started",
		}, func() float64 { return time.Since(m.started).Seconds() }),
	)

	m.inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_inflight_requests",
		Help: "Current number of in-flight HTTP requests",
	})
	m.reqTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total HTTP requests by method, path and status",
	}, []string{"method", "path", "status"})
	m.reqDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by method, path and status",
		Buckets: durationBuckets,
	}, []string{"method", "path", "status"})
	m.respBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "Response size by method and path",
		Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
	}, []string{"method", "path"})
	m.errorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_errors_total",
		Help: "Total 5xx responses by method and path",
	}, []string{"method", "path"})
	m.httpPanicTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_panic_total",
		Help: "Total number of recovered handler panics",
	})
	m.buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1)",
	}, []string{"app", "version", "commit", "build_date", "go_version", "dirty"})
	m.ratelimitDeniedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_rate_limited_total",
		Help: "Total requests rejected by the rate limiter",
	})
	m.ratelimitCapacityTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "http_requests_rate_limited_capacity_total",
		Help: "Total times the rate limiter ran out of visitor slots",
	})
	m.profilingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "profiling_active",
		Help: "Whether continuous profiling is active (1) or not (0)",
	})

	m.probeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "probe_checks_total",
		Help: "Service probes by service and outcome",
	}, []string{"service", "status"})
	m.probeDur = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "probe_duration_seconds",
		Help:    "Service probe response time",
		Buckets: durationBuckets,
	}, []string{"service"})
	m.serviceUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "probe_service_up",
		Help: "Whether the last probe of a service was healthy (1) or not (0)",
	}, []string{"service"})
	m.aggTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "health_aggregations_total",
		Help: "Aggregation cycles by overall status",
	}, []string{"status"})
	m.aggDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "health_aggregation_duration_seconds",
		Help:    "Wall time of one aggregation cycle",
		Buckets: durationBuckets,
	})
	m.catalogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_services",
		Help: "Number of services in the probe catalog",
	})
	m.subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_subscribers",
		Help: "Currently connected real-time subscribers",
	})
	m.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_ticks_total",
		Help: "Broadcast ticks fired",
	})
	m.tickFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_failures_total",
		Help: "Broadcast failures by stage (snapshot, encode, send, panic)",
	}, []string{"stage"})
	m.messagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "broadcast_messages_total",
		Help: "Messages delivered to subscribers",
	})

	reg.MustRegister(
		m.inflight, m.reqTotal, m.reqDur, m.respBytes, m.errorsTotal,
		m.httpPanicTotal, m.buildInfo,
		m.ratelimitDeniedTotal, m.ratelimitCapacityTotal, m.profilingActive,
		m.probeTotal, m.probeDur, m.serviceUp, m.aggTotal, m.aggDur, m.catalogSize,
		m.subscribers, m.ticksTotal, m.tickFailures, m.messagesTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

// Handler serves the registry for scraping.
func (m *Registry) Handler() http.Handler { return m.handler }

func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// Started is the time New was called.
func (m *Registry) Started() time.Time { return m.started }

func (m *Registry) IncRequest(method, path string, status int) {
	m.reqTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// ObserveRequest records latency, attaching the sampled trace id from ctx
// as an exemplar when there is one.
func (m *Registry) ObserveRequest(ctx context.Context, method, path string, status int, d time.Duration) {
	obs := m.reqDur.WithLabelValues(method, path, strconv.Itoa(status))
	if ex := traceExemplar(ctx); ex != nil {
		if eo, ok := obs.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(d.Seconds(), ex)
			return
		}
	}
	obs.Observe(d.Seconds())
}

func (m *Registry) IncHttpPanic() { m.httpPanicTotal.Inc() }

func (m *Registry) SetBuildInfo(app string, vi version.Info) {
	m.buildInfo.Reset()
	m.buildInfo.With(prometheus.Labels{
		"app":        app,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"build_date": vi.BuildDate,
		"go_version": vi.GoVersion,
		"dirty":      strconv.FormatBool(vi.Dirty),
	}).Set(1)
}

func (m *Registry) IncRateLimitDenied()   { m.ratelimitDeniedTotal.Inc() }
func (m *Registry) IncRateLimitCapacity() { m.ratelimitCapacityTotal.Inc() }

func (m *Registry) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

// ObserveProbe records one probe outcome.
func (m *Registry) ObserveProbe(service, status string, d time.Duration) {
	m.probeTotal.WithLabelValues(service, status).Inc()
	m.probeDur.WithLabelValues(service).Observe(d.Seconds())
	up := 0.0
	if status == "healthy" {
		up = 1
	}
	m.serviceUp.WithLabelValues(service).Set(up)
}

// ObserveAggregation records one aggregation cycle.
func (m *Registry) ObserveAggregation(status string, d time.Duration) {
	m.aggTotal.WithLabelValues(status).Inc()
	m.aggDur.Observe(d.Seconds())
}

func (m *Registry) SetCatalogSize(n int) { m.catalogSize.Set(float64(n)) }

func (m *Registry) SetSubscribers(n int)        { m.subscribers.Set(float64(n)) }
func (m *Registry) IncTick()                    { m.ticksTotal.Inc() }
func (m *Registry) IncTickFailure(stage string) { m.tickFailures.WithLabelValues(stage).Inc() }
func (m *Registry) AddMessagesDelivered(n int)  { m.messagesTotal.Add(float64(n)) }
