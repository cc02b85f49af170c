package engine

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/store"
)

// HashSecret returns the hex-encoded SHA-256 hash of a swap secret, as stored
// in an atomic swap's secret hash field at submission time.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Claim settles an atomic swap by revealing the secret. The swap must have
// reached its signature quorum, the timelock must not have expired, and the
// secret must hash to the committed value. On success the swap is COMPLETED
// with the revealed secret stored for the counterparty chain.
func (e *Engine) Claim(entityID, secret, agent string) (*store.Entity, error) {
	return e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.Category != store.CategoryAtomicSwap {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"category %s cannot be claimed", entity.Category)
		}
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}
		if !entity.QuorumReached {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"entity %s has not reached signature quorum", entityID)
		}
		if entity.HTLCExpired(e.now()) {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"entity %s timelock has expired, only refund is possible", entityID)
		}
		if subtle.ConstantTimeCompare([]byte(HashSecret(secret)), []byte(entity.HTLCHash)) != 1 {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"secret does not match committed hash for entity %s", entityID)
		}

		now := e.now()
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       store.StatusCompleted,
				"htlc_secret":  secret,
				"reason":       "claimed with valid preimage",
				"completed_at": now,
			},
			History: store.HistoryEntry{
				FromStatus: entity.Status,
				ToStatus:   store.StatusCompleted,
				Reason:     "claimed with valid preimage",
				Agent:      agent,
			},
		}, nil
	})
}

// Refund returns an unclaimed atomic swap to its originator after the
// timelock has expired. Refund and claim are mutually exclusive: whichever
// commits first wins and the other fails on the terminal check.
func (e *Engine) Refund(entityID, agent string) (*store.Entity, error) {
	return e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.Category != store.CategoryAtomicSwap {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"category %s cannot be refunded", entity.Category)
		}
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}
		if !entity.HTLCExpired(e.now()) {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"entity %s timelock has not expired", entityID)
		}

		now := e.now()
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       store.StatusRefunded,
				"reason":       "timelock expired without claim",
				"completed_at": now,
			},
			History: store.HistoryEntry{
				FromStatus: entity.Status,
				ToStatus:   store.StatusRefunded,
				Reason:     "timelock expired without claim",
				Agent:      agent,
			},
		}, nil
	})
}
