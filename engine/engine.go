// Package engine implements the quorum entity lifecycle. Entities enter as
// PENDING, collect votes until their policy's quorum is satisfied, and settle
// in exactly one terminal state:
//
//	PENDING ──votes──▶ APPROVED                       (role-quorum tiers)
//	PENDING ──votes──▶ CONFIRMING ──confirmations──▶ COMPLETED (bridge transfers)
//	PENDING ──votes──▶ CONFIRMING ──claim──────────▶ COMPLETED (atomic swaps)
//	any non-terminal ──▶ REJECTED | FAILED | EXPIRED | REFUNDED
//
// Every transition goes through Apply, which re-reads the entity and retries
// on version conflicts, so concurrent writers serialize without locks. Retry
// out of FAILED is the single transition allowed from a terminal state.
package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/aurigraph/quorum-engine/config"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/logger"
	"github.com/aurigraph/quorum-engine/policy"
	"github.com/aurigraph/quorum-engine/store"
	"github.com/aurigraph/quorum-engine/telemetry"
)

// casMaxAttempts bounds the conflict-retry loop in Apply. Conflicts resolve
// in one or two rounds in practice; hitting the bound means a livelock bug.
const casMaxAttempts = 25

const systemAgent = "system"

// Engine coordinates entity lifecycle transitions against the entity store.
type Engine struct {
	store    *entitystore.Store
	resolver *policy.Resolver
	cfg      *config.Config
	metrics  *telemetry.Metrics
	notifier Notifier
	logger   zerolog.Logger

	now func() time.Time
}

// Options carries the optional engine collaborators.
type Options struct {
	Metrics  *telemetry.Metrics
	Notifier Notifier
}

// New creates an engine. Metrics and Notifier in opts may be nil.
func New(st *entitystore.Store, resolver *policy.Resolver, cfg *config.Config, log zerolog.Logger, opts Options) *Engine {
	return &Engine{
		store:    st,
		resolver: resolver,
		cfg:      cfg,
		metrics:  opts.Metrics,
		notifier: opts.Notifier,
		logger:   logger.Component(log, "engine"),
		now:      time.Now,
	}
}

// Store returns the underlying entity store for read-only queries.
func (e *Engine) Store() *entitystore.Store {
	return e.store
}

// Now returns the engine's current time. Collaborators share the engine's
// clock so deadline checks stay consistent across packages.
func (e *Engine) Now() time.Time {
	return e.now()
}

// SubmitRequest describes a new entity. Transfer and HTLC fields apply to
// bridge categories only and are ignored for the approval tiers.
type SubmitRequest struct {
	Category       string
	Submitter      string
	ParentEntityID string
	Reason         string

	SourceChain   string
	TargetChain   string
	SourceAddress string
	TargetAddress string
	TokenSymbol   string
	Amount        string

	// HTLCHash is the hex SHA-256 hash of the swap secret. Required for
	// ATOMIC_SWAP, rejected for every other category.
	HTLCHash string
}

// Submit validates the request against its category policy and persists a new
// PENDING entity plus its creation history entry. Unknown categories are
// rejected before anything is written.
func (e *Engine) Submit(req SubmitRequest) (*store.Entity, error) {
	p, err := e.resolver.Resolve(req.Category, req.SourceChain)
	if err != nil {
		return nil, err
	}

	if req.Category == store.CategoryAtomicSwap && req.HTLCHash == "" {
		return nil, errors.Wrap(ErrPolicyViolation, "atomic swap requires a secret hash")
	}
	if req.Category != store.CategoryAtomicSwap && req.HTLCHash != "" {
		return nil, errors.Wrapf(ErrPolicyViolation, "category %s does not take a secret hash", req.Category)
	}

	if req.ParentEntityID != "" {
		if _, err := e.store.Get(req.ParentEntityID); err != nil {
			return nil, errors.Wrapf(err, "parent %s", req.ParentEntityID)
		}
	}

	now := e.now()
	entity := &store.Entity{
		EntityID:       uuid.NewString(),
		Category:       req.Category,
		Status:         store.StatusPending,
		ParentEntityID: req.ParentEntityID,
		Submitter:      req.Submitter,

		RequiredApprovals:      p.RequiredApprovals,
		RequiredAdminApprovals: p.RequiredAdminApprovals,
		RequiredConfirmations:  p.RequiredConfirmations,

		MaxRetries: e.cfg.MaxRetriesFor(req.Category),
		Deadline:   now.Add(p.Timeout),
		Reason:     req.Reason,

		SourceChain:   req.SourceChain,
		TargetChain:   req.TargetChain,
		SourceAddress: req.SourceAddress,
		TargetAddress: req.TargetAddress,
		TokenSymbol:   req.TokenSymbol,
		Amount:        req.Amount,

		HTLCHash: req.HTLCHash,
	}
	if req.Category == store.CategoryAtomicSwap {
		entity.HTLCTimeout = now.Add(p.HTLCTimeout).UnixMilli()
	}

	agent := req.Submitter
	if agent == "" {
		agent = systemAgent
	}
	if err := e.store.Create(entity, agent, "submitted"); err != nil {
		return nil, err
	}

	e.metrics.EntityCreated(entity.Category)
	e.logger.Info().
		Str("entity_id", entity.EntityID).
		Str("category", entity.Category).
		Int("required_approvals", entity.RequiredApprovals).
		Time("deadline", entity.Deadline).
		Msg("entity submitted")
	return entity, nil
}

// Apply runs one versioned mutation against an entity. fn receives a fresh
// read of the entity and returns the mutation to commit; when the commit
// loses to a concurrent writer the entity is re-read and fn runs again, so fn
// must be a pure function of the entity it is given.
func (e *Engine) Apply(entityID string, fn func(*store.Entity) (entitystore.Mutation, error)) (*store.Entity, error) {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		entity, err := e.store.Get(entityID)
		if err != nil {
			return nil, err
		}

		m, err := fn(entity)
		if err != nil {
			return nil, err
		}

		updated, err := e.store.UpdateWithVersion(entityID, entity.EntityVersion, m)
		if errors.Is(err, entitystore.ErrConcurrentModification) {
			e.metrics.WriteConflict()
			continue
		}
		if err != nil {
			return nil, err
		}

		if updated.Status != entity.Status {
			e.metrics.Transition(updated.Status)
			if e.notifier != nil {
				e.notifier.Notify(Notification{
					EntityID:   updated.EntityID,
					Category:   updated.Category,
					FromStatus: entity.Status,
					ToStatus:   updated.Status,
					Reason:     m.History.Reason,
					At:         e.now(),
				})
			}
		}
		return updated, nil
	}
	return nil, errors.Wrapf(entitystore.ErrConcurrentModification,
		"entity %s still contended after %d attempts", entityID, casMaxAttempts)
}

// Reject settles a non-terminal entity on explicit caller request. Approval
// tiers land in REJECTED and cascade one hop down to their non-terminal
// children; bridge transfers land in FAILED so the retry path stays open.
func (e *Engine) Reject(entityID, agent, reason string) (*store.Entity, error) {
	entity, err := e.store.Get(entityID)
	if err != nil {
		return nil, err
	}

	target := store.StatusRejected
	if entity.IsBridgeCategory() {
		target = store.StatusFailed
	}

	updated, err := e.rejectTo(entityID, agent, reason, target)
	if err != nil {
		return nil, err
	}
	if updated.Status == store.StatusRejected {
		e.CascadeRejection(entityID, reason)
	}
	return updated, nil
}

func (e *Engine) rejectTo(entityID, agent, reason, target string) (*store.Entity, error) {
	return e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}
		now := e.now()
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       target,
				"reason":       reason,
				"completed_at": now,
			},
			History: store.HistoryEntry{
				FromStatus: entity.Status,
				ToStatus:   target,
				Reason:     reason,
				Agent:      agent,
			},
		}, nil
	})
}

// CascadeRejection rejects the non-terminal children of parentID. The
// cascade is a single hop: grandchildren are left alone. Per-child failures
// are logged and skipped so one bad child cannot block its siblings.
func (e *Engine) CascadeRejection(parentID, reason string) {
	children, err := e.store.ListChildren(parentID)
	if err != nil {
		e.logger.Error().Err(err).Str("entity_id", parentID).Msg("failed to list children for cascade")
		return
	}
	for _, child := range children {
		cascadeReason := "cascaded from parent rejection: " + reason
		if _, err := e.rejectTo(child.EntityID, systemAgent, cascadeReason, store.StatusRejected); err != nil {
			if errors.Is(err, ErrAlreadyFinal) {
				continue
			}
			e.logger.Error().Err(err).
				Str("entity_id", child.EntityID).
				Str("parent_entity_id", parentID).
				Msg("failed to cascade rejection to child")
		}
	}
}

// Fail moves a non-terminal entity to FAILED, recording the error. FAILED is
// terminal but Retry can reopen it while budget remains.
func (e *Engine) Fail(entityID, agent, errorMsg string) (*store.Entity, error) {
	return e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}
		now := e.now()
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       store.StatusFailed,
				"error_msg":    errorMsg,
				"completed_at": now,
			},
			History: store.HistoryEntry{
				FromStatus:   entity.Status,
				ToStatus:     store.StatusFailed,
				Reason:       "processing failed",
				ErrorDetails: errorMsg,
				Agent:        agent,
			},
		}, nil
	})
}

// Retry reopens a FAILED entity as PENDING, consuming one unit of retry
// budget. All collected votes and confirmations are discarded and the
// deadline restarts. Retry is the only transition out of a terminal state.
func (e *Engine) Retry(entityID, agent string) (*store.Entity, error) {
	updated, err := e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.Status != store.StatusFailed {
			if entity.IsTerminal() {
				return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
					"entity %s is %s, only FAILED entities can be retried", entityID, entity.Status)
			}
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"entity %s is %s, only FAILED entities can be retried", entityID, entity.Status)
		}
		if entity.RetryCount >= entity.MaxRetries {
			return entitystore.Mutation{}, errors.Wrapf(ErrRetryExhausted,
				"entity %s used %d of %d retries", entityID, entity.RetryCount, entity.MaxRetries)
		}

		p, err := e.resolver.Resolve(entity.Category, entity.SourceChain)
		if err != nil {
			return entitystore.Mutation{}, err
		}

		return entitystore.Mutation{
			Updates: map[string]any{
				"status":                    store.StatusPending,
				"retry_count":               entity.RetryCount + 1,
				"collected_approvals":       0,
				"collected_admin_approvals": 0,
				"confirmations":             0,
				"quorum_reached":            false,
				"error_msg":                 "",
				"completed_at":              nil,
				"deadline":                  e.now().Add(p.Timeout),
			},
			History: store.HistoryEntry{
				FromStatus: store.StatusFailed,
				ToStatus:   store.StatusPending,
				Reason:     "retry requested",
				Agent:      agent,
			},
			DeleteVotes: true,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.EntityRetried()
	return updated, nil
}

// Expire moves a non-terminal entity past its deadline to EXPIRED. Entities
// whose deadline has not passed are left untouched.
func (e *Engine) Expire(entityID, agent string) (*store.Entity, error) {
	updated, err := e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}
		now := e.now()
		if now.Before(entity.Deadline) {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"entity %s deadline %s has not passed", entityID, entity.Deadline.Format(time.RFC3339))
		}
		return entitystore.Mutation{
			Updates: map[string]any{
				"status":       store.StatusExpired,
				"reason":       "deadline passed without quorum",
				"completed_at": now,
			},
			History: store.HistoryEntry{
				FromStatus: entity.Status,
				ToStatus:   store.StatusExpired,
				Reason:     "deadline passed without quorum",
				Agent:      agent,
			},
		}, nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.EntityExpired()
	return updated, nil
}

// RecordConfirmation updates the observed source-chain confirmation count for
// a bridge entity. Counts are monotonic: a lower observation is ignored.
// A bridge transfer whose signature quorum is already satisfied completes as
// soon as enough confirmations arrive; atomic swaps instead wait for a claim.
func (e *Engine) RecordConfirmation(entityID string, confirmations uint64, agent string) (*store.Entity, error) {
	return e.Apply(entityID, func(entity *store.Entity) (entitystore.Mutation, error) {
		if !entity.IsBridgeCategory() {
			return entitystore.Mutation{}, errors.Wrapf(ErrPolicyViolation,
				"category %s does not track chain confirmations", entity.Category)
		}
		if entity.IsTerminal() {
			return entitystore.Mutation{}, errors.Wrapf(ErrAlreadyFinal,
				"entity %s is %s", entityID, entity.Status)
		}

		observed := confirmations
		if observed < entity.Confirmations {
			observed = entity.Confirmations
		}

		updates := map[string]any{"confirmations": observed}
		history := store.HistoryEntry{
			FromStatus: entity.Status,
			ToStatus:   entity.Status,
			Reason:     "confirmation count updated",
			Agent:      agent,
		}

		settled := entity.QuorumReached &&
			observed >= entity.RequiredConfirmations &&
			entity.Category != store.CategoryAtomicSwap
		switch {
		case settled:
			updates["status"] = store.StatusCompleted
			updates["reason"] = "signature quorum and confirmations satisfied"
			updates["completed_at"] = e.now()
			history.ToStatus = store.StatusCompleted
			history.Reason = "signature quorum and confirmations satisfied"
		case entity.Status == store.StatusPending:
			// First confirmations observed move the transfer into CONFIRMING.
			updates["status"] = store.StatusConfirming
			history.ToStatus = store.StatusConfirming
		}
		return entitystore.Mutation{Updates: updates, History: history}, nil
	})
}
