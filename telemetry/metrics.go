// Package telemetry exposes Prometheus metrics for the quorum engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Metrics holds the engine's Prometheus collectors. All counters are safe for
// concurrent use; a nil *Metrics is a no-op so tests can skip wiring it.
type Metrics struct {
	registry *prometheus.Registry

	entitiesCreated *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	votes           *prometheus.CounterVec
	voteConflicts   prometheus.Counter
	expired         prometheus.Counter
	retries         prometheus.Counter
	sweepDuration   prometheus.Histogram
	queueDepth      prometheus.Gauge
}

// NewMetrics builds a Metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		entitiesCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "entities_created_total",
			Help:      "Entities created, by category.",
		}, []string{"category"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "transitions_total",
			Help:      "Status transitions committed, by resulting status.",
		}, []string{"to_status"}),
		votes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "votes_total",
			Help:      "Votes recorded, by decision.",
		}, []string{"decision"}),
		voteConflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "write_conflicts_total",
			Help:      "Versioned writes retried after losing to a concurrent writer.",
		}),
		expired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "entities_expired_total",
			Help:      "Entities expired by the recovery sweeper.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "quorum",
			Name:      "entity_retries_total",
			Help:      "Failed entities returned to PENDING via retry.",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "quorum",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one recovery sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "quorum",
			Name:      "ingest_queue_depth",
			Help:      "Current depth of the submission queue.",
		}),
	}
}

// EntityCreated records a created entity.
func (m *Metrics) EntityCreated(category string) {
	if m == nil {
		return
	}
	m.entitiesCreated.WithLabelValues(category).Inc()
}

// Transition records a committed status transition.
func (m *Metrics) Transition(toStatus string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(toStatus).Inc()
}

// VoteRecorded records a committed vote.
func (m *Metrics) VoteRecorded(decision string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(decision).Inc()
}

// WriteConflict records a versioned write lost to a concurrent writer.
func (m *Metrics) WriteConflict() {
	if m == nil {
		return
	}
	m.voteConflicts.Inc()
}

// EntityExpired records a sweeper expiry.
func (m *Metrics) EntityExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
}

// EntityRetried records a retry transition.
func (m *Metrics) EntityRetried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// SweepCompleted records the duration of one recovery sweep.
func (m *Metrics) SweepCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// SetQueueDepth records the current submission queue depth.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// Serve starts an HTTP server exposing /metrics on addr. It blocks until the
// server exits and is intended to run in its own goroutine.
func (m *Metrics) Serve(addr string, logger zerolog.Logger) error {
	if m == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("serving metrics")
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
