// Package metrics holds the Prometheus collectors of an archive run
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics groups the run's collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TasksProcessed *prometheus.CounterVec
	TasksSkipped   *prometheus.CounterVec
	TasksFailed    *prometheus.CounterVec
	OriginRequests *prometheus.CounterVec
	CacheLookups   *prometheus.CounterVec
	FetchDuration  prometheus.Histogram
	BytesWritten   prometheus.Counter
	QueueDepth     prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TasksProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssb_archive_tasks_processed_total",
				Help: "Documents written to the output tree, labeled by kind.",
			},
			[]string{"kind"},
		),
		TasksSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssb_archive_tasks_skipped_total",
				Help: "Tasks dropped without writing, labeled by reason.",
			},
			[]string{"reason"},
		),
		TasksFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssb_archive_tasks_failed_total",
				Help: "Tasks that failed, labeled by error category.",
			},
			[]string{"category"},
		),
		OriginRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssb_archive_origin_requests_total",
				Help: "Requests sent to the origin, labeled by status code (0 when no response was received).",
			},
			[]string{"status_code"},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ssb_archive_fetch_cache_lookups_total",
				Help: "Fetch cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		),
		FetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ssb_archive_fetch_duration_seconds",
				Help:    "Duration of origin fetches including retries.",
				Buckets: prometheus.DefBuckets,
			},
		),
		BytesWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ssb_archive_bytes_written_total",
				Help: "Bytes written to the output tree.",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ssb_archive_queue_depth",
				Help: "Tasks waiting in the crawl queue.",
			},
		),
	}
	m.registry.MustRegister(
		m.TasksProcessed,
		m.TasksSkipped,
		m.TasksFailed,
		m.OriginRequests,
		m.CacheLookups,
		m.FetchDuration,
		m.BytesWritten,
		m.QueueDepth,
	)
	return m
}

// Registry exposes the private registry (tests, custom exposition)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) TaskProcessed(kind string) {
	if m == nil {
		return
	}
	m.TasksProcessed.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskSkipped(reason string) {
	if m == nil {
		return
	}
	m.TasksSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) TaskFailed(category string) {
	if m == nil {
		return
	}
	m.TasksFailed.WithLabelValues(category).Inc()
}

// OriginRequest records one completed origin fetch; status 0 means no response
func (m *Metrics) OriginRequest(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OriginRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.FetchDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) AddBytesWritten(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// Serve exposes /metrics on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr string, log *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.WithField("address", addr).Info("Exposing Prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
