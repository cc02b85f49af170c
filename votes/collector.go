// Package votes collects approvals, rejections, and validator signatures on
// pending entities and evaluates quorum after every accepted vote. All writes
// go through the engine's versioned apply loop, so concurrent voters on the
// same entity serialize cleanly and each vote is counted exactly once.
package votes

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aurigraph/quorum-engine/engine"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/policy"
	"github.com/aurigraph/quorum-engine/store"
	"github.com/aurigraph/quorum-engine/telemetry"
)

// ErrUnauthorized is returned when the voter may not vote on the entity:
// an unknown role on an approval tier, or a voter outside the active
// validator set on a bridge category.
var ErrUnauthorized = errors.New("voter is not authorized for this entity")

// Vote is one approval, rejection, or validator signature.
type Vote struct {
	EntityID string
	VoterID  string
	Role     string // VALIDATOR or ADMIN; ignored for bridge categories
	Decision string // store.DecisionApproved or store.DecisionRejected
	Reason   string
	// Signature carries the validator's signature bytes for bridge
	// categories; nil for the approval tiers.
	Signature []byte
}

// Collector applies votes to entities and drives quorum transitions.
type Collector struct {
	engine   *engine.Engine
	resolver *policy.Resolver
	metrics  *telemetry.Metrics
	logger   zerolog.Logger
}

// NewCollector creates a vote collector.
func NewCollector(e *engine.Engine, resolver *policy.Resolver, metrics *telemetry.Metrics, log zerolog.Logger) *Collector {
	return &Collector{
		engine:   e,
		resolver: resolver,
		metrics:  metrics,
		logger:   logger.Component(log, "vote_collector"),
	}
}

// CastVote records one vote and evaluates the entity's quorum. A rejection
// moves the entity to REJECTED immediately and cascades to its children; an
// approval that completes the quorum triggers the policy's terminal or
// confirming transition. Each voter gets exactly one vote per entity,
// enforced by the store even under concurrent submission.
func (c *Collector) CastVote(v Vote) (*store.Entity, error) {
	if v.Decision != store.DecisionApproved && v.Decision != store.DecisionRejected {
		return nil, errors.Wrapf(engine.ErrPolicyViolation, "unknown decision %q", v.Decision)
	}

	updated, err := c.engine.Apply(v.EntityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		return c.buildMutation(entity, v)
	})
	if err != nil {
		return nil, err
	}

	c.metrics.VoteRecorded(v.Decision)
	c.logger.Info().
		Str("entity_id", v.EntityID).
		Str("voter_id", v.VoterID).
		Str("decision", v.Decision).
		Str("status", updated.Status).
		Int("collected", updated.CollectedApprovals).
		Msg("vote recorded")

	if updated.Status == store.StatusRejected {
		c.engine.CascadeRejection(v.EntityID, v.Reason)
	}
	return updated, nil
}

func (c *Collector) buildMutation(entity *store.Entity, v Vote) (entitystore.Mutation, error) {
	if entity.IsTerminal() {
		return entitystore.Mutation{}, errors.Wrapf(engine.ErrAlreadyFinal,
			"entity %s is %s", entity.EntityID, entity.Status)
	}

	p, err := c.resolver.Resolve(entity.Category, entity.SourceChain)
	if err != nil {
		return entitystore.Mutation{}, err
	}

	if err := c.authorize(entity, p, v); err != nil {
		return entitystore.Mutation{}, err
	}

	record := &store.VoteRecord{
		VoteID:    uuid.NewString(),
		EntityID:  entity.EntityID,
		VoterID:   v.VoterID,
		VoterRole: v.Role,
		Decision:  v.Decision,
		Reason:    v.Reason,
		Signature: v.Signature,
	}

	if v.Decision == store.DecisionRejected {
		// A rejecting vote settles approval tiers as REJECTED; bridge
		// transfers fail instead, keeping the retry budget usable.
		target := store.StatusRejected
		if entity.IsBridgeCategory() {
			target = store.StatusFailed
		}
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       target,
				"reason":       v.Reason,
				"completed_at": c.engine.Now(),
			},
			History: store.HistoryEntry{
				FromStatus: entity.Status,
				ToStatus:   target,
				Reason:     v.Reason,
				Agent:      v.VoterID,
				Signatures: signaturePairs(v),
			},
			InsertVote: record,
		}, nil
	}

	// Counting stops at the quorum requirements: a vote past the threshold is
	// still recorded and audited, but the collected counters never exceed
	// what the policy asks for.
	collected := entity.CollectedApprovals
	if collected < entity.RequiredApprovals {
		collected++
	}
	admins := entity.CollectedAdminApprovals
	if p.Kind == policy.KindRoleQuorum && v.Role == store.RoleAdmin &&
		admins < entity.RequiredAdminApprovals {
		admins++
	}

	updates := map[string]any{
		"collected_approvals":       collected,
		"collected_admin_approvals": admins,
	}
	history := store.HistoryEntry{
		FromStatus: entity.Status,
		ToStatus:   entity.Status,
		Reason:     "approval recorded",
		Agent:      v.VoterID,
		Signatures: signaturePairs(v),
	}

	if !entity.QuorumReached && p.Satisfied(collected, admins) {
		switch p.Kind {
		case policy.KindRoleQuorum:
			updates["status"] = store.StatusApproved
			updates["reason"] = "quorum reached"
			updates["completed_at"] = c.engine.Now()
			history.ToStatus = store.StatusApproved
			history.Reason = "quorum reached"
		case policy.KindSignatureThreshold:
			updates["quorum_reached"] = true
			// Non-swap transfers with confirmations already in hand settle
			// now; everything else waits in CONFIRMING.
			if entity.Category != store.CategoryAtomicSwap &&
				entity.Confirmations >= entity.RequiredConfirmations {
				updates["status"] = store.StatusCompleted
				updates["reason"] = "signature quorum and confirmations satisfied"
				updates["completed_at"] = c.engine.Now()
				history.ToStatus = store.StatusCompleted
				history.Reason = "signature quorum and confirmations satisfied"
			} else {
				updates["status"] = store.StatusConfirming
				updates["reason"] = "signature quorum reached"
				history.ToStatus = store.StatusConfirming
				history.Reason = "signature quorum reached"
			}
		}
	}

	return entitystore.Mutation{
		Updates:    updates,
		History:    history,
		InsertVote: record,
	}, nil
}

// authorize checks whether the voter may vote under the entity's policy and
// whether the voting window is still open.
func (c *Collector) authorize(entity *store.Entity, p policy.Policy, v Vote) error {
	if c.engine.Now().After(entity.Deadline) {
		return errors.Wrapf(engine.ErrPolicyViolation,
			"voting window for entity %s closed at %s", entity.EntityID, entity.Deadline)
	}

	switch p.Kind {
	case policy.KindSignatureThreshold:
		if !c.resolver.IsValidator(v.VoterID) {
			return errors.Wrapf(ErrUnauthorized,
				"voter %s is not in the active validator set", v.VoterID)
		}
	case policy.KindRoleQuorum:
		if !policy.AuthorizedRole(v.Role) {
			return errors.Wrapf(ErrUnauthorized,
				"role %q may not vote on category %s", v.Role, entity.Category)
		}
	}
	return nil
}

// signaturePairs encodes the vote's voter:signature pair as JSON for the
// audit trail. Votes without a signature leave the column null.
func signaturePairs(v Vote) []byte {
	if len(v.Signature) == 0 {
		return nil
	}
	payload, err := json.Marshal(map[string]string{v.VoterID: hex.EncodeToString(v.Signature)})
	if err != nil {
		return nil
	}
	return payload
}
