// Package policy resolves an entity category to its quorum policy: the
// approver cardinality or signature threshold an entity must satisfy, and the
// deadline window it lives under. Resolution is a pure function of the
// category plus static configuration; it has no side effects.
package policy

import (
	"time"

	"github.com/pkg/errors"

	"github.com/aurigraph/quorum-engine/config"
	"github.com/aurigraph/quorum-engine/store"
)

// ErrUnknownCategory is returned when no policy exists for a category.
// Entity creation is rejected before anything is persisted.
var ErrUnknownCategory = errors.New("unknown entity category")

// Kind distinguishes the two policy families.
type Kind int

const (
	// KindRoleQuorum requires a cardinality of distinct authorized approvers,
	// with a minimum number of ADMIN seats among them.
	KindRoleQuorum Kind = iota
	// KindSignatureThreshold requires distinct signatures from the active
	// validator set plus chain confirmations on the source chain.
	KindSignatureThreshold
)

// Policy is the resolved quorum rule for one entity category.
type Policy struct {
	Category               string
	Kind                   Kind
	RequiredApprovals      int           // Approver cardinality or signature threshold
	RequiredAdminApprovals int           // Minimum ADMIN seats (role-quorum only)
	RequiredConfirmations  uint64        // Source-chain confirmations (signature-threshold only)
	Timeout                time.Duration // Voting window / transfer window
	HTLCTimeout            time.Duration // Timelock, ATOMIC_SWAP only
}

// Satisfied reports whether the collected counts meet the quorum. Any
// qualifying superset of the required cardinality from authorized voters
// suffices; no specific named approvers are required.
func (p Policy) Satisfied(collected, collectedAdmins int) bool {
	return collected >= p.RequiredApprovals && collectedAdmins >= p.RequiredAdminApprovals
}

// Resolver maps categories to policies. Validator membership and per-chain
// confirmation requirements come from configuration and are fixed for the
// resolver's lifetime.
type Resolver struct {
	validators map[string]struct{}
	threshold  int
	cfg        *config.Config
}

// NewResolver builds a resolver from the engine configuration.
func NewResolver(cfg *config.Config) *Resolver {
	validators := make(map[string]struct{}, len(cfg.Validators))
	for _, v := range cfg.Validators {
		validators[v] = struct{}{}
	}
	return &Resolver{
		validators: validators,
		threshold:  cfg.ValidatorThreshold,
		cfg:        cfg,
	}
}

// Resolve returns the policy for a category. sourceChain selects the
// confirmation requirement for bridge categories and is ignored for the
// approval tiers. Unknown categories fail with ErrUnknownCategory.
func (r *Resolver) Resolve(category, sourceChain string) (Policy, error) {
	switch category {
	case store.CategoryStandard:
		return Policy{
			Category:          category,
			Kind:              KindRoleQuorum,
			RequiredApprovals: 1,
			Timeout:           r.cfg.VotingWindow(),
		}, nil
	case store.CategoryElevated:
		return Policy{
			Category:               category,
			Kind:                   KindRoleQuorum,
			RequiredApprovals:      2,
			RequiredAdminApprovals: 1,
			Timeout:                r.cfg.VotingWindow(),
		}, nil
	case store.CategoryCritical:
		return Policy{
			Category:               category,
			Kind:                   KindRoleQuorum,
			RequiredApprovals:      3,
			RequiredAdminApprovals: 2,
			Timeout:                r.cfg.VotingWindow(),
		}, nil
	case store.CategoryBridge, store.CategoryLockMint, store.CategoryBurnMint:
		return Policy{
			Category:              category,
			Kind:                  KindSignatureThreshold,
			RequiredApprovals:     r.threshold,
			RequiredConfirmations: r.cfg.RequiredConfirmationsFor(sourceChain),
			Timeout:               r.cfg.TransferWindow(),
		}, nil
	case store.CategoryAtomicSwap:
		return Policy{
			Category:              category,
			Kind:                  KindSignatureThreshold,
			RequiredApprovals:     r.threshold,
			RequiredConfirmations: r.cfg.RequiredConfirmationsFor(sourceChain),
			Timeout:               r.cfg.TransferWindow(),
			HTLCTimeout:           r.cfg.HTLCTimeout(),
		}, nil
	}
	return Policy{}, errors.Wrapf(ErrUnknownCategory, "category %q", category)
}

// IsValidator reports whether voterID belongs to the active validator set.
func (r *Resolver) IsValidator(voterID string) bool {
	_, ok := r.validators[voterID]
	return ok
}

// AuthorizedRole reports whether a role may vote under the given policy.
// ADMIN and VALIDATOR are both eligible on every role-quorum tier — a
// VALIDATOR can hold a non-admin seat on ELEVATED/CRITICAL entities — while
// the admin-seat minimum is enforced at quorum evaluation, not here.
func AuthorizedRole(role string) bool {
	return role == store.RoleAdmin || role == store.RoleValidator
}
