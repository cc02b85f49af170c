// Package ingest drains the submission queue into the engine. Producers
// enqueue submit requests without blocking; a single background worker pulls
// them off in batches and persists them, so bursts are absorbed by the queue
// rather than by database contention.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aurigraph/quorum-engine/engine"
	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/queue"
	"github.com/aurigraph/quorum-engine/telemetry"
)

const (
	defaultBatchSize = 100
	defaultMaxWait   = 50 * time.Millisecond
)

// Config holds configuration for the ingest worker.
type Config struct {
	Engine    *engine.Engine
	Queue     *queue.Queue[engine.SubmitRequest]
	Metrics   *telemetry.Metrics
	BatchSize int
	MaxWait   time.Duration
	Logger    zerolog.Logger
}

// Worker consumes submit requests from the queue and applies them to the
// engine.
type Worker struct {
	engine    *engine.Engine
	queue     *queue.Queue[engine.SubmitRequest]
	metrics   *telemetry.Metrics
	batchSize int
	maxWait   time.Duration
	logger    zerolog.Logger
}

// NewWorker creates an ingest worker.
func NewWorker(cfg Config) *Worker {
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = defaultBatchSize
	}
	maxWait := cfg.MaxWait
	if maxWait == 0 {
		maxWait = defaultMaxWait
	}
	return &Worker{
		engine:    cfg.Engine,
		queue:     cfg.Queue,
		metrics:   cfg.Metrics,
		batchSize: batchSize,
		maxWait:   maxWait,
		logger:    logger.Component(cfg.Logger, "ingest_worker"),
	}
}

// Start begins the background drain loop. It stops when ctx is cancelled,
// after draining whatever is already in the queue.
func (w *Worker) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.DrainOnce()
			return
		default:
		}
		if w.DrainOnce() == 0 {
			// Queue was empty for a full wait window; the timeout above
			// already paced us, nothing else to do.
			continue
		}
	}
}

// DrainOnce pulls one batch from the queue and submits it, returning the
// number of requests handled (successfully or not).
func (w *Worker) DrainOnce() int {
	batch := w.queue.DequeueBatchWithTimeout(w.batchSize, w.maxWait)
	if len(batch) == 0 {
		return 0
	}

	failed := 0
	for _, req := range batch {
		if _, err := w.engine.Submit(req); err != nil {
			failed++
			w.logger.Error().Err(err).
				Str("category", req.Category).
				Str("submitter", req.Submitter).
				Msg("failed to submit queued entity")
		}
	}
	w.queue.MarkProcessed(len(batch) - failed)
	w.queue.MarkFailed(failed)
	w.metrics.SetQueueDepth(w.queue.Len())
	return len(batch)
}
