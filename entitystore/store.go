// Package entitystore provides database access for quorum entities. It is the
// single mutation path for entity state: every write is guarded by the
// entity's optimistic-concurrency version and commits the matching history
// entry in the same database transaction, so a status change without its
// audit record (or vice versa) cannot be observed.
package entitystore

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/store"
)

var (
	// ErrNotFound is returned when no entity exists for a business key.
	ErrNotFound = errors.New("entity not found")

	// ErrConcurrentModification is returned when a versioned write loses to a
	// concurrent writer. The caller must re-read and retry; nothing was
	// committed.
	ErrConcurrentModification = errors.New("stale entity version")

	// ErrDuplicateVote is returned when a vote insert violates the
	// one-vote-per-voter-per-entity constraint.
	ErrDuplicateVote = errors.New("voter has already voted on this entity")
)

// Mutation describes one versioned write against an entity: the column
// updates, the history entry recording the transition, and optional vote
// operations that must commit atomically with it.
type Mutation struct {
	// Updates are the entity columns to change. The store adds the version
	// bump itself; callers never touch entity_version directly.
	Updates map[string]any

	// History records the transition. EntityID and Sequence are filled in by
	// the store; Sequence always equals the new entity version.
	History store.HistoryEntry

	// InsertVote, when non-nil, is persisted in the same transaction.
	InsertVote *store.VoteRecord

	// DeleteVotes removes all vote records for the entity (retry reset).
	DeleteVotes bool
}

// Store provides database access for entities, history, and votes.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewStore creates a new entity store.
func NewStore(db *gorm.DB, log zerolog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger.Component(log, "entity_store"),
	}
}

// Create persists a new entity together with its creation history entry in a
// single transaction. The entity must carry EntityVersion 1.
func (s *Store) Create(entity *store.Entity, agent, reason string) error {
	if entity.EntityVersion == 0 {
		entity.EntityVersion = 1
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(entity).Error; err != nil {
			return errors.Wrapf(err, "failed to create entity %s", entity.EntityID)
		}

		history := store.HistoryEntry{
			EntityID: entity.EntityID,
			Sequence: entity.EntityVersion,
			ToStatus: entity.Status,
			Reason:   reason,
			Agent:    agent,
		}
		if err := tx.Create(&history).Error; err != nil {
			return errors.Wrapf(err, "failed to append creation history for entity %s", entity.EntityID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("entity_id", entity.EntityID).
		Str("category", entity.Category).
		Str("status", entity.Status).
		Msg("entity created")
	return nil
}

// Get retrieves an entity by business key.
func (s *Store) Get(entityID string) (*store.Entity, error) {
	var entity store.Entity
	if err := s.db.Where("entity_id = ?", entityID).First(&entity).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Wrapf(ErrNotFound, "entity %s", entityID)
		}
		return nil, errors.Wrapf(err, "failed to load entity %s", entityID)
	}
	return &entity, nil
}

// GetHistory returns the entity's history entries ordered by sequence.
func (s *Store) GetHistory(entityID string) ([]store.HistoryEntry, error) {
	var entries []store.HistoryEntry
	if err := s.db.Where("entity_id = ?", entityID).
		Order("sequence ASC").
		Find(&entries).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load history for entity %s", entityID)
	}
	return entries, nil
}

// GetVotes returns the entity's vote records in insertion order.
func (s *Store) GetVotes(entityID string) ([]store.VoteRecord, error) {
	var votes []store.VoteRecord
	if err := s.db.Where("entity_id = ?", entityID).
		Order("id ASC").
		Find(&votes).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to load votes for entity %s", entityID)
	}
	return votes, nil
}

// HasVoted reports whether a voter already has a vote record on an entity.
func (s *Store) HasVoted(entityID, voterID string) (bool, error) {
	var count int64
	if err := s.db.Model(&store.VoteRecord{}).
		Where("entity_id = ? AND voter_id = ?", entityID, voterID).
		Count(&count).Error; err != nil {
		return false, errors.Wrapf(err, "failed to check vote for entity %s", entityID)
	}
	return count > 0, nil
}

// UpdateWithVersion applies a mutation if and only if the entity still has
// expectedVersion. The column updates, the history append, and any vote
// operations commit in one transaction; the version bump and the compare are
// a single guarded UPDATE, so lost updates are impossible by construction.
// Losing the compare returns ErrConcurrentModification with nothing written.
func (s *Store) UpdateWithVersion(entityID string, expectedVersion uint64, m Mutation) (*store.Entity, error) {
	newVersion := expectedVersion + 1

	updates := make(map[string]any, len(m.Updates)+1)
	for k, v := range m.Updates {
		updates[k] = v
	}
	updates["entity_version"] = newVersion

	var updated store.Entity
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&store.Entity{}).
			Where("entity_id = ? AND entity_version = ?", entityID, expectedVersion).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrapf(res.Error, "failed to update entity %s", entityID)
		}
		if res.RowsAffected == 0 {
			// Distinguish a missing entity from a lost version race.
			var count int64
			if err := tx.Model(&store.Entity{}).
				Where("entity_id = ?", entityID).
				Count(&count).Error; err != nil {
				return errors.Wrapf(err, "failed to classify write conflict for entity %s", entityID)
			}
			if count == 0 {
				return errors.Wrapf(ErrNotFound, "entity %s", entityID)
			}
			return errors.Wrapf(ErrConcurrentModification,
				"entity %s expected version %d", entityID, expectedVersion)
		}

		if m.InsertVote != nil {
			if err := tx.Create(m.InsertVote).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errors.Wrapf(ErrDuplicateVote,
						"entity %s voter %s", entityID, m.InsertVote.VoterID)
				}
				return errors.Wrapf(err, "failed to record vote for entity %s", entityID)
			}
		}

		if m.DeleteVotes {
			if err := tx.Where("entity_id = ?", entityID).
				Delete(&store.VoteRecord{}).Error; err != nil {
				return errors.Wrapf(err, "failed to reset votes for entity %s", entityID)
			}
		}

		history := m.History
		history.EntityID = entityID
		history.Sequence = newVersion
		if err := tx.Create(&history).Error; err != nil {
			return errors.Wrapf(err, "failed to append history for entity %s", entityID)
		}

		if err := tx.Where("entity_id = ?", entityID).First(&updated).Error; err != nil {
			return errors.Wrapf(err, "failed to reload entity %s", entityID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("entity_id", entityID).
		Uint64("version", newVersion).
		Str("to_status", m.History.ToStatus).
		Msg("entity updated")
	return &updated, nil
}

// ListByStatus returns entities with the given status, newest first.
func (s *Store) ListByStatus(status string) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("status = ?", status).
		Order("created_at DESC").
		Find(&entities).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list entities with status %s", status)
	}
	return entities, nil
}

// ListExpired returns non-terminal entities whose deadline has passed,
// oldest first, up to limit.
func (s *Store) ListExpired(now time.Time, limit int) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("status IN ? AND deadline < ?",
		[]string{store.StatusPending, store.StatusConfirming}, now).
		Order("deadline ASC").
		Limit(limit).
		Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list expired entities")
	}
	return entities, nil
}

// ListStuck returns non-terminal entities created before the cutoff, oldest
// first. Stuck entities are surfaced for operator visibility only; the
// caller must not mutate them.
func (s *Store) ListStuck(cutoff time.Time) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("status IN ? AND created_at < ?",
		[]string{store.StatusPending, store.StatusConfirming}, cutoff).
		Order("created_at ASC").
		Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list stuck entities")
	}
	return entities, nil
}

// ListTimelockExpired returns non-terminal atomic swaps whose timelock has
// passed at the given instant, oldest first, up to limit.
func (s *Store) ListTimelockExpired(now time.Time, limit int) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("category = ? AND status IN ? AND htlc_timeout > 0 AND htlc_timeout < ?",
		store.CategoryAtomicSwap,
		[]string{store.StatusPending, store.StatusConfirming},
		now.UnixMilli()).
		Order("htlc_timeout ASC").
		Limit(limit).
		Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list timelock-expired swaps")
	}
	return entities, nil
}

// ListRetryable returns FAILED entities with retry budget remaining.
func (s *Store) ListRetryable() ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("status = ? AND retry_count < max_retries", store.StatusFailed).
		Order("created_at ASC").
		Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list retryable entities")
	}
	return entities, nil
}

// ListChildren returns non-terminal entities whose parent is parentID.
func (s *Store) ListChildren(parentID string) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("parent_entity_id = ? AND status IN ?",
		parentID, []string{store.StatusPending, store.StatusConfirming}).
		Find(&entities).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list children of entity %s", parentID)
	}
	return entities, nil
}

// CountByStatus returns the number of entities per status.
func (s *Store) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	if err := s.db.Model(&store.Entity{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to count entities by status")
	}

	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// ListDecided returns terminal entities carrying a completion timestamp,
// newest first, up to limit. Used for time-to-quorum statistics.
func (s *Store) ListDecided(limit int) ([]store.Entity, error) {
	var entities []store.Entity
	if err := s.db.Where("completed_at IS NOT NULL").
		Order("completed_at DESC").
		Limit(limit).
		Find(&entities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list decided entities")
	}
	return entities, nil
}
