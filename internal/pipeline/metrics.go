package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/rawlake/internal/manifest"
)

// Metrics holds the Prometheus collectors updated by a pipeline.
// Each Metrics owns its registry so tests and embedded uses never collide
// on the global one.
type Metrics struct {
	registry *prometheus.Registry

	ingested     *prometheus.CounterVec
	files        *prometheus.CounterVec
	rows         *prometheus.CounterVec
	retries      *prometheus.CounterVec
	fileDuration prometheus.Histogram
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawlake_ingest_files_total",
			Help: "Discovered files by ingestion result.",
		}, []string{"result"}),

		files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawlake_transform_files_total",
			Help: "Files that reached a status during transformation.",
		}, []string{"status"}),

		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawlake_rows_total",
			Help: "Parsed rows by outcome.",
		}, []string{"outcome"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rawlake_retries_total",
			Help: "Retries of transient failures by stage.",
		}, []string{"stage"}),

		fileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rawlake_transform_file_duration_seconds",
			Help:    "Wall time to transform one file.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
	}
	m.registry.MustRegister(m.ingested, m.files, m.rows, m.retries, m.fileDuration)
	return m
}

// Registry exposes the registry for custom gatherers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (m *Metrics) ingestResult(result string) {
	m.ingested.WithLabelValues(result).Inc()
}

func (m *Metrics) fileDone(status manifest.Status, elapsed time.Duration) {
	m.files.WithLabelValues(string(status)).Inc()
	m.fileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) rowsDone(loaded, quarantined, skipped int) {
	m.rows.WithLabelValues("loaded").Add(float64(loaded))
	m.rows.WithLabelValues("quarantined").Add(float64(quarantined))
	m.rows.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *Metrics) retried(stage string, n int) {
	if n > 0 {
		m.retries.WithLabelValues(stage).Add(float64(n))
	}
}
