// Package metrics defines the Prometheus metric collectors used across the
// service and exposes an HTTP handler for scraping.
//
// A nil *Metrics is valid: every helper method is a no-op on it, so library
// code and tests can run without a registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the service.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	DocsAppendedTotal    prometheus.Counter
	BufferedDocs         prometheus.Gauge
	IndexFlushesTotal    *prometheus.CounterVec
	FlushDuration        prometheus.Histogram
	CompactionsTotal     *prometheus.CounterVec
	CompactionDuration   prometheus.Histogram
	MainSegmentDocs      prometheus.Gauge
	IndexGeneration      prometheus.Gauge
	PendingSegments      prometheus.Gauge
	BuilderQueueDepth    prometheus.Gauge
	BuilderDocsTotal     prometheus.Counter
	UploadsConsumedTotal *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg means
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	durationBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by result type (hit, zero_result, no_main, error).",
			},
			[]string{"result_type"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_hits_total",
				Help: "Total number of search cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "search_cache_misses_total",
				Help: "Total number of search cache misses.",
			},
		),
		DocsAppendedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_docs_appended_total",
				Help: "Documents appended to the working buffer.",
			},
		),
		BufferedDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_buffered_docs",
				Help: "Documents appended but not yet flushed.",
			},
		),
		IndexFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_flushes_total",
				Help: "Total index flush operations by status.",
			},
			[]string{"status"},
		),
		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_flush_duration_seconds",
				Help:    "Time spent persisting the working buffer and compacting it into main.",
				Buckets: durationBuckets,
			},
		),
		CompactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_compactions_total",
				Help: "Segment compactions by status.",
			},
			[]string{"status"},
		),
		CompactionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_compaction_duration_seconds",
				Help:    "Time spent merging two segments.",
				Buckets: durationBuckets,
			},
		),
		MainSegmentDocs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_main_segment_docs",
				Help: "Documents in the searchable main segment.",
			},
		),
		IndexGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_main_generation",
				Help: "Number of times a new main segment has been adopted.",
			},
		),
		PendingSegments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_pending_segments",
				Help: "Flushed segments waiting for a retried compaction.",
			},
		),
		BuilderQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "builder_queue_depth",
				Help: "Items waiting in the parallel builder queue.",
			},
		),
		BuilderDocsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "builder_docs_total",
				Help: "Documents indexed by parallel builder workers.",
			},
		),
		UploadsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "uploads_consumed_total",
				Help: "Upload events consumed from Kafka by status.",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DocsAppendedTotal,
		m.BufferedDocs,
		m.IndexFlushesTotal,
		m.FlushDuration,
		m.CompactionsTotal,
		m.CompactionDuration,
		m.MainSegmentDocs,
		m.IndexGeneration,
		m.PendingSegments,
		m.BuilderQueueDepth,
		m.BuilderDocsTotal,
		m.UploadsConsumedTotal,
	)

	return m
}

func (m *Metrics) DocAppended(buffered int) {
	if m == nil {
		return
	}
	m.DocsAppendedTotal.Inc()
	m.BufferedDocs.Set(float64(buffered))
}

func (m *Metrics) ObserveFlush(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.IndexFlushesTotal.WithLabelValues(status).Inc()
	m.FlushDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveCompaction(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CompactionsTotal.WithLabelValues(status).Inc()
	m.CompactionDuration.Observe(d.Seconds())
}

// SetIndexState publishes the manager's gauges after a flush.
func (m *Metrics) SetIndexState(mainDocs uint64, generation uint64, pending int, buffered int) {
	if m == nil {
		return
	}
	m.MainSegmentDocs.Set(float64(mainDocs))
	m.IndexGeneration.Set(float64(generation))
	m.PendingSegments.Set(float64(pending))
	m.BufferedDocs.Set(float64(buffered))
}

func (m *Metrics) SetBuilderQueueDepth(n int) {
	if m == nil {
		return
	}
	m.BuilderQueueDepth.Set(float64(n))
}

func (m *Metrics) BuilderDocIndexed() {
	if m == nil {
		return
	}
	m.BuilderDocsTotal.Inc()
}

func (m *Metrics) ObserveSearch(resultType, cacheStatus string, d time.Duration) {
	if m == nil {
		return
	}
	m.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	m.SearchLatency.WithLabelValues(cacheStatus).Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

func (m *Metrics) UploadConsumed(status string) {
	if m == nil {
		return
	}
	m.UploadsConsumedTotal.WithLabelValues(status).Inc()
}

// HandlerFor returns a scrape handler for g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
