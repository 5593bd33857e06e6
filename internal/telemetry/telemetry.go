package telemetry

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/seeker/config"
)

// Telemetry aggregates the gateway's prometheus collectors. All methods are
// nil-receiver safe so call sites never have to guard.
type Telemetry struct {
	enabled bool
	logger  *log.Logger
	reg     prometheus.Registerer

	unifiedRequests *prometheus.CounterVec
	streamsInFlight prometheus.Gauge
	streamDuration  prometheus.Histogram
	answerFragments prometheus.Counter
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	searchFailures  prometheus.Counter
}

// New registers the gateway collectors on reg. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func New(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		enabled: cfg.Enabled,
		logger:  log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		reg:     reg,
		unifiedRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seeker_unified_requests_total",
			Help: "Unified stream requests by outcome (completed, abandoned, failed).",
		}, []string{"outcome"}),
		streamsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "seeker_streams_in_flight",
			Help: "Currently open unified streams.",
		}),
		streamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seeker_stream_duration_seconds",
			Help:    "End-to-end duration of unified streams.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		answerFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seeker_answer_fragments_total",
			Help: "Answer chunks emitted to clients.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seeker_search_cache_hits_total",
			Help: "Search cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seeker_search_cache_misses_total",
			Help: "Search cache misses.",
		}),
		searchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seeker_search_failures_total",
			Help: "Search phase failures substituted with empty results.",
		}),
	}
	if cfg.Enabled && reg != nil {
		reg.MustRegister(
			t.unifiedRequests,
			t.streamsInFlight,
			t.streamDuration,
			t.answerFragments,
			t.cacheHits,
			t.cacheMisses,
			t.searchFailures,
		)
	}
	return t
}

// RegisterCacheSize exposes the search cache entry count as a gauge. The
// callback runs on every scrape, so it must be cheap and concurrency-safe.
func (t *Telemetry) RegisterCacheSize(size func() float64) {
	if t == nil || !t.enabled || t.reg == nil {
		return
	}
	t.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "seeker_search_cache_entries",
		Help: "Entries currently held by the search cache.",
	}, size))
}

func (t *Telemetry) StreamStarted() {
	if t == nil || !t.enabled {
		return
	}
	t.streamsInFlight.Inc()
}

// StreamFinished records one completed (or abandoned/failed) stream.
func (t *Telemetry) StreamFinished(outcome string, elapsed time.Duration, fragments int) {
	if t == nil || !t.enabled {
		return
	}
	t.streamsInFlight.Dec()
	t.unifiedRequests.WithLabelValues(outcome).Inc()
	t.streamDuration.Observe(elapsed.Seconds())
	t.answerFragments.Add(float64(fragments))
	t.logger.Printf("stream finished: outcome=%s duration=%s fragments=%d", outcome, elapsed.Round(time.Millisecond), fragments)
}

func (t *Telemetry) CacheHit() {
	if t == nil || !t.enabled {
		return
	}
	t.cacheHits.Inc()
}

func (t *Telemetry) CacheMiss() {
	if t == nil || !t.enabled {
		return
	}
	t.cacheMisses.Inc()
}

func (t *Telemetry) SearchFailed() {
	if t == nil || !t.enabled {
		return
	}
	t.searchFailures.Inc()
}
