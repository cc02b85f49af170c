// Package recovery runs the background sweeper that keeps the entity
// population from wedging: it expires entities past their deadline, refunds
// atomic swaps past their timelock, optionally retries failed entities under
// budget, and surfaces stuck entities for operators.
package recovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aurigraph/quorum-engine/engine"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/telemetry"
)

const (
	defaultSweepInterval = 30 * time.Second
	sweepBatchSize       = 100

	sweeperAgent = "recovery_sweeper"
)

// Config holds configuration for the recovery sweeper.
type Config struct {
	Engine        *engine.Engine
	Metrics       *telemetry.Metrics
	SweepInterval time.Duration
	StuckAge      time.Duration
	AutoRetry     bool
	Logger        zerolog.Logger
}

// Sweeper periodically scans for entities needing intervention. Every action
// it takes goes through the engine's versioned write path, so a sweep racing
// a concurrent vote or a second sweeper instance is harmless: the loser of
// each race simply observes the entity already handled.
type Sweeper struct {
	engine    *engine.Engine
	metrics   *telemetry.Metrics
	interval  time.Duration
	stuckAge  time.Duration
	autoRetry bool
	logger    zerolog.Logger
}

// NewSweeper creates a recovery sweeper.
func NewSweeper(cfg Config) *Sweeper {
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{
		engine:    cfg.Engine,
		metrics:   cfg.Metrics,
		interval:  interval,
		stuckAge:  cfg.StuckAge,
		autoRetry: cfg.AutoRetry,
		logger:    logger.Component(cfg.Logger, "recovery_sweeper"),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep runs one full pass. It is idempotent: entities already handled by a
// concurrent writer are skipped, so running it twice back to back changes
// nothing the second time.
func (s *Sweeper) Sweep() {
	started := s.engine.Now()

	expired := s.expireDeadlines()
	refunded := s.refundExpiredTimelocks()
	retried := 0
	if s.autoRetry {
		retried = s.retryFailed()
	}
	stuck := s.reportStuck()

	s.metrics.SweepCompleted(s.engine.Now().Sub(started))
	if expired+refunded+retried > 0 || stuck > 0 {
		s.logger.Info().
			Int("expired", expired).
			Int("refunded", refunded).
			Int("retried", retried).
			Int("stuck", stuck).
			Msg("sweep completed")
	}
}

func (s *Sweeper) expireDeadlines() int {
	entities, err := s.engine.Store().ListExpired(s.engine.Now(), sweepBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query expired entities")
		return 0
	}

	swept := 0
	for _, entity := range entities {
		if _, err := s.engine.Expire(entity.EntityID, sweeperAgent); err != nil {
			if lostRace(err) {
				continue
			}
			s.logger.Error().Err(err).Str("entity_id", entity.EntityID).Msg("failed to expire entity")
			continue
		}
		swept++
	}
	return swept
}

func (s *Sweeper) refundExpiredTimelocks() int {
	entities, err := s.engine.Store().ListTimelockExpired(s.engine.Now(), sweepBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query timelock-expired swaps")
		return 0
	}

	refunded := 0
	for _, entity := range entities {
		if _, err := s.engine.Refund(entity.EntityID, sweeperAgent); err != nil {
			if lostRace(err) {
				continue
			}
			s.logger.Error().Err(err).Str("entity_id", entity.EntityID).Msg("failed to refund expired swap")
			continue
		}
		refunded++
	}
	return refunded
}

func (s *Sweeper) retryFailed() int {
	entities, err := s.engine.Store().ListRetryable()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query retryable entities")
		return 0
	}

	retried := 0
	for _, entity := range entities {
		if _, err := s.engine.Retry(entity.EntityID, sweeperAgent); err != nil {
			if lostRace(err) || errors.Is(err, engine.ErrRetryExhausted) {
				continue
			}
			s.logger.Error().Err(err).Str("entity_id", entity.EntityID).Msg("failed to retry entity")
			continue
		}
		retried++
	}
	return retried
}

// reportStuck logs non-terminal entities older than the stuck threshold.
// Reporting is observation only; stuck entities are never mutated.
func (s *Sweeper) reportStuck() int {
	if s.stuckAge == 0 {
		return 0
	}
	entities, err := s.engine.Store().ListStuck(s.engine.Now().Add(-s.stuckAge))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query stuck entities")
		return 0
	}
	for _, entity := range entities {
		s.logger.Warn().
			Str("entity_id", entity.EntityID).
			Str("category", entity.Category).
			Str("status", entity.Status).
			Time("created_at", entity.CreatedAt).
			Msg("entity appears stuck")
	}
	return len(entities)
}

// lostRace reports whether the error means another writer got there first.
func lostRace(err error) bool {
	return errors.Is(err, engine.ErrAlreadyFinal) ||
		errors.Is(err, engine.ErrPolicyViolation) ||
		errors.Is(err, entitystore.ErrConcurrentModification) ||
		errors.Is(err, entitystore.ErrNotFound)
}
