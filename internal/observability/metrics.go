package observability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	fperrors "github.com/featurepack/featurepack/internal/errors"
	"github.com/featurepack/featurepack/internal/query/executor"
	"github.com/featurepack/featurepack/internal/query/planner"
	"github.com/featurepack/featurepack/internal/snapshot"
)

const namespace = "featurepack"

// Query outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeClientError = "client_error"
	OutcomeCanceled    = "canceled"
	OutcomeError       = "error"
)

// Metrics holds the Prometheus collectors of one server. Each instance owns
// its registry.
type Metrics struct {
	registry *prometheus.Registry

	queries          *prometheus.CounterVec
	queryDuration    *prometheus.HistogramVec
	featuresReturned *prometheus.CounterVec
	candidates       *prometheus.CounterVec
	publishes        *prometheus.CounterVec
	fetches          *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors, including a gauge of live
// snapshot mappings and the Go runtime collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "total",
			Help:      "Queries by collection, access path and outcome",
		}, []string{"collection", "path", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "duration_seconds",
			Help:      "Query execution time by access path",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"path"}),
		featuresReturned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "features_returned_total",
			Help:      "Features returned by collection",
		}, []string{"collection"}),
		candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "query",
			Name:      "candidates_total",
			Help:      "Candidates produced by the driving index, by collection",
		}, []string{"collection"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "publishes_total",
			Help:      "Snapshots published into the registry, by collection",
		}, []string{"collection"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "artifact",
			Name:      "fetches_total",
			Help:      "Artifact lookups by result (hit, download, error)",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route"}),
	}
	live := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "snapshot",
		Name:      "live",
		Help:      "Snapshots mapped in memory, including retired ones still held by readers",
	}, func() float64 { return float64(snapshot.Live()) })

	m.registry.MustRegister(
		m.queries, m.queryDuration, m.featuresReturned, m.candidates,
		m.publishes, m.fetches, m.httpRequests, m.httpDuration, live,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records a finished query.
func (m *Metrics) ObserveQuery(collection string, plan *planner.Plan, stats executor.ExecutionStats, err error) {
	path := "none"
	if plan != nil {
		path = plan.Path.String()
	}
	m.queries.WithLabelValues(collection, path, Outcome(err)).Inc()
	if plan == nil {
		return
	}
	m.queryDuration.WithLabelValues(path).Observe(stats.Duration.Seconds())
	m.featuresReturned.WithLabelValues(collection).Add(float64(stats.Returned))
	m.candidates.WithLabelValues(collection).Add(float64(stats.Candidates))
}

// ObservePublish records a snapshot publish.
func (m *Metrics) ObservePublish(collection string) {
	m.publishes.WithLabelValues(collection).Inc()
}

// ObserveFetch records the results of one artifact fetch batch.
func (m *Metrics) ObserveFetch(hits, downloads, failures int) {
	m.fetches.WithLabelValues("hit").Add(float64(hits))
	m.fetches.WithLabelValues("download").Add(float64(downloads))
	m.fetches.WithLabelValues("error").Add(float64(failures))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Outcome classifies a query error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	case fperrors.IsClientError(err):
		return OutcomeClientError
	default:
		return OutcomeError
	}
}
