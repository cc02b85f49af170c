package engine

import (
	"sync"
	"time"

	"github.com/aurigraph/quorum-engine/store"
)

// statsCacheTTL bounds how stale a served stats snapshot may be.
const statsCacheTTL = 5 * time.Second

// decidedSampleSize caps how many recent decided entities feed the
// time-to-decision average.
const decidedSampleSize = 500

// Stats is a point-in-time summary of the entity population.
type Stats struct {
	Total             int64
	ByStatus          map[string]int64
	SuccessRate       float64 // APPROVED+COMPLETED over all terminal entities
	AvgTimeToDecision time.Duration
	ComputedAt        time.Time
}

// StatsProvider serves cached engine statistics. Snapshots are recomputed at
// most once per TTL; concurrent readers share the cached copy.
type StatsProvider struct {
	engine *Engine

	mu       sync.RWMutex
	snapshot Stats
}

// NewStatsProvider creates a stats provider over the engine's store.
func NewStatsProvider(e *Engine) *StatsProvider {
	return &StatsProvider{engine: e}
}

// Stats returns the current statistics snapshot, recomputing it when the
// cached copy is older than the TTL.
func (p *StatsProvider) Stats() (Stats, error) {
	p.mu.RLock()
	cached := p.snapshot
	p.mu.RUnlock()

	now := p.engine.now()
	if !cached.ComputedAt.IsZero() && now.Sub(cached.ComputedAt) < statsCacheTTL {
		return cached, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another writer may have refreshed while we waited for the lock.
	if !p.snapshot.ComputedAt.IsZero() && now.Sub(p.snapshot.ComputedAt) < statsCacheTTL {
		return p.snapshot, nil
	}

	fresh, err := p.compute(now)
	if err != nil {
		return Stats{}, err
	}
	p.snapshot = fresh
	return fresh, nil
}

func (p *StatsProvider) compute(now time.Time) (Stats, error) {
	counts, err := p.engine.store.CountByStatus()
	if err != nil {
		return Stats{}, err
	}

	var total int64
	for _, n := range counts {
		total += n
	}

	succeeded := counts[store.StatusApproved] + counts[store.StatusCompleted]
	terminal := total - counts[store.StatusPending] - counts[store.StatusConfirming]
	var successRate float64
	if terminal > 0 {
		successRate = float64(succeeded) / float64(terminal)
	}

	decided, err := p.engine.store.ListDecided(decidedSampleSize)
	if err != nil {
		return Stats{}, err
	}

	var avg time.Duration
	if len(decided) > 0 {
		var sum time.Duration
		for _, entity := range decided {
			sum += entity.CompletedAt.Sub(entity.CreatedAt)
		}
		avg = sum / time.Duration(len(decided))
	}

	return Stats{
		Total:             total,
		ByStatus:          counts,
		SuccessRate:       successRate,
		AvgTimeToDecision: avg,
		ComputedAt:        now,
	}, nil
}
