// Package metrics exposes pool, scheduler and download metrics in the
// Prometheus format.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/picklr-io/pantry/internal/engine"
	"github.com/picklr-io/pantry/internal/logging"
	"github.com/picklr-io/pantry/internal/pool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pantry"

// PoolSource reports object pool statistics by pool name.
type PoolSource interface {
	PoolStats() map[string]pool.Stats
}

// QueueSource reports scheduler occupancy.
type QueueSource interface {
	Name() string
	Running() int
	Queued() int
}

// Metrics owns a registry with every pantry collector.
type Metrics struct {
	registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration prometheus.Histogram
	phase            prometheus.Gauge
}

// New returns metrics registered on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Package downloads by outcome.",
		}, []string{"status"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes written to the cache by completed downloads.",
		}),
		downloadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "download_duration_seconds",
			Help:      "Duration of settled package downloads.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		phase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_phase",
			Help:      "Current reconcile phase (0 none, 1 compare, 2 download, 3 ready).",
		}),
	}
	m.registry.MustRegister(m.downloads, m.downloadBytes, m.downloadDuration, m.phase)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WatchScheduler registers running and queued gauges for s.
func (m *Metrics) WatchScheduler(s QueueSource) error {
	labels := prometheus.Labels{"scheduler": s.Name()}
	running := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "scheduler_running_tasks",
		Help:        "Tasks currently running.",
		ConstLabels: labels,
	}, func() float64 { return float64(s.Running()) })
	queued := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "scheduler_queued_tasks",
		Help:        "Tasks waiting for a slot.",
		ConstLabels: labels,
	}, func() float64 { return float64(s.Queued()) })

	for _, c := range []prometheus.Collector{running, queued} {
		if err := m.registry.Register(c); err != nil {
			return fmt.Errorf("failed to register scheduler %s metrics: %w", s.Name(), err)
		}
	}
	return nil
}

// WatchPools registers a collector that reads src on every scrape.
func (m *Metrics) WatchPools(src PoolSource) error {
	if err := m.registry.Register(newPoolCollector(src)); err != nil {
		return fmt.Errorf("failed to register pool metrics: %w", err)
	}
	return nil
}

// ObserveDownload records a download event.
func (m *Metrics) ObserveDownload(ev engine.DownloadEvent) {
	switch ev.Status {
	case "completed":
		m.downloads.WithLabelValues("completed").Inc()
		m.downloadBytes.Add(float64(ev.Bytes))
		m.downloadDuration.Observe(ev.Duration.Seconds())
	case "failed":
		m.downloads.WithLabelValues("failed").Inc()
		m.downloadDuration.Observe(ev.Duration.Seconds())
	}
}

// SetPhase records the reconcile phase.
func (m *Metrics) SetPhase(p engine.Phase) {
	m.phase.Set(float64(p))
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type poolCollector struct {
	src     PoolSource
	active  *prometheus.Desc
	pooled  *prometheus.Desc
	peak    *prometheus.Desc
	created *prometheus.Desc
	gets    *prometheus.Desc
	discard *prometheus.Desc
}

func newPoolCollector(src PoolSource) *poolCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "pool", name), help, []string{"pool"}, nil)
	}
	return &poolCollector{
		src:     src,
		active:  desc("active_objects", "Objects handed out and not yet returned."),
		pooled:  desc("pooled_objects", "Objects waiting in the free list."),
		peak:    desc("peak_active_objects", "Highest number of objects out at once."),
		created: desc("created_total", "Objects created by the pool."),
		gets:    desc("gets_total", "Acquire calls."),
		discard: desc("discarded_total", "Objects destroyed instead of pooled."),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.active, c.pooled, c.peak, c.created, c.gets, c.discard} {
		ch <- d
	}
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.src.PoolStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		s := stats[name]
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.CurrentActive), name)
		ch <- prometheus.MustNewConstMetric(c.pooled, prometheus.GaugeValue, float64(s.CurrentPooled), name)
		ch <- prometheus.MustNewConstMetric(c.peak, prometheus.GaugeValue, float64(s.PeakActive), name)
		ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(s.TotalCreated), name)
		ch <- prometheus.MustNewConstMetric(c.gets, prometheus.CounterValue, float64(s.TotalGets), name)
		ch <- prometheus.MustNewConstMetric(c.discard, prometheus.CounterValue, float64(s.Discarded), name)
	}
}
