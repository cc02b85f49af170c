// Package store contains the GORM-backed models shared by the quorum engine:
// transferable entities, their immutable transition history, and vote records.
//
// Database structure (database file: quorum_data.db):
//
//	quorum_data.db
//	├── entities         (one row per transferable/approvable record, versioned)
//	├── history_entries  (append-only audit trail, one row per transition)
//	└── vote_records     (one row per (entity, voter) pair)
package store

import (
	"time"

	"gorm.io/gorm"
)

// Entity statuses. PENDING and CONFIRMING are the only non-terminal states.
const (
	StatusPending    = "PENDING"
	StatusConfirming = "CONFIRMING"
	StatusApproved   = "APPROVED"
	StatusCompleted  = "COMPLETED"
	StatusRejected   = "REJECTED"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
	StatusRefunded   = "REFUNDED"
)

// Entity categories. Bridge categories use a numeric signature threshold over
// the validator set; approval tiers use a role-quorum policy.
const (
	CategoryBridge     = "BRIDGE"
	CategoryAtomicSwap = "ATOMIC_SWAP"
	CategoryLockMint   = "LOCK_MINT"
	CategoryBurnMint   = "BURN_MINT"
	CategoryStandard   = "STANDARD"
	CategoryElevated   = "ELEVATED"
	CategoryCritical   = "CRITICAL"
)

// Voter roles. Roles are carried explicitly alongside voter IDs; they are
// never parsed out of identifier strings.
const (
	RoleValidator = "VALIDATOR"
	RoleAdmin     = "ADMIN"
)

// Vote decisions.
const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// Entity is a transferable/approvable record moving through the quorum state
// machine. Every mutation goes through the versioned write path in
// entitystore; EntityVersion is the optimistic-concurrency token.
type Entity struct {
	gorm.Model
	EntityID       string `gorm:"uniqueIndex;not null"` // Business key (UUID), distinct from the row ID
	Category       string `gorm:"index;not null"`       // Selects the quorum policy
	Status         string `gorm:"index;not null"`
	ParentEntityID string `gorm:"index"` // Parent for cascading rejection (empty = no parent)
	Submitter      string // Who submitted the entity

	// Quorum bookkeeping. Required* fields are computed once at creation from
	// the policy resolver and never change afterwards.
	RequiredApprovals       int // Approver cardinality (tiers) or signature threshold (bridge)
	RequiredAdminApprovals  int // Minimum ADMIN seats within RequiredApprovals (tiers only)
	CollectedApprovals      int `gorm:"default:0"`
	CollectedAdminApprovals int `gorm:"default:0"`

	// Chain confirmation bookkeeping (bridge categories only).
	Confirmations         uint64 `gorm:"default:0"`
	RequiredConfirmations uint64 // Chain-specific, e.g. 12 for ethereum
	QuorumReached         bool   `gorm:"default:false"` // Signature threshold satisfied

	// Bounded retry budget. The entity stays FAILED permanently once exhausted.
	RetryCount int `gorm:"default:0"`
	MaxRetries int `gorm:"default:3"`

	Deadline      time.Time  `gorm:"index"`              // Eligible for expiry after this instant
	EntityVersion uint64     `gorm:"not null;default:1"` // Optimistic-concurrency token
	Reason        string     `gorm:"type:text"`          // Human-readable reason for the current status
	ErrorMsg      string     `gorm:"type:text"`          // Error details if the entity failed
	CompletedAt   *time.Time // Set when a terminal status is reached

	// Transfer fields (bridge categories only).
	SourceChain   string `gorm:"index"`
	TargetChain   string `gorm:"index"`
	SourceAddress string `gorm:"index"`
	TargetAddress string `gorm:"index"`
	TokenSymbol   string
	Amount        string // Decimal string in token base units

	// HTLC fields (ATOMIC_SWAP only; zero values for every other category).
	HTLCHash    string // SHA-256 hash of the secret, hex
	HTLCSecret  string // Revealed at claim time
	HTLCTimeout int64  // Unix epoch milliseconds, 0 = no timelock
}

// TableName specifies the table name for Entity.
func (Entity) TableName() string {
	return "entities"
}

// IsTerminal reports whether the entity is in a final state. FAILED is
// terminal too; Retry is the single designated exception out of it.
func (e *Entity) IsTerminal() bool {
	switch e.Status {
	case StatusPending, StatusConfirming:
		return false
	}
	return true
}

// CanRetry reports whether the entity is FAILED with retry budget remaining.
func (e *Entity) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetries
}

// IsBridgeCategory reports whether the entity uses the numeric
// signature-threshold policy family.
func (e *Entity) IsBridgeCategory() bool {
	switch e.Category {
	case CategoryBridge, CategoryAtomicSwap, CategoryLockMint, CategoryBurnMint:
		return true
	}
	return false
}

// HTLCExpired reports whether the entity's timelock has passed at the given
// instant. Entities without a timelock never expire this way.
func (e *Entity) HTLCExpired(now time.Time) bool {
	if e.HTLCTimeout == 0 {
		return false
	}
	return now.UnixMilli() > e.HTLCTimeout
}

// HasRequiredConfirmations reports whether enough chain confirmations have
// been observed.
func (e *Entity) HasRequiredConfirmations() bool {
	return e.RequiredConfirmations > 0 && e.Confirmations >= e.RequiredConfirmations
}

// HistoryEntry is one immutable row of the audit trail. Sequence equals the
// entity version produced by the transition, so per-entity history is totally
// ordered and gapless by construction.
type HistoryEntry struct {
	gorm.Model
	EntityID     string `gorm:"uniqueIndex:idx_entity_seq,priority:1;not null"`
	Sequence     uint64 `gorm:"uniqueIndex:idx_entity_seq,priority:2;not null"`
	FromStatus   string // Empty for the creation entry
	ToStatus     string `gorm:"not null"`
	Reason       string `gorm:"type:text"`
	ErrorDetails string `gorm:"type:text"`
	Agent        string // Who or what caused the transition
	Signatures   []byte // JSON-encoded voter:signature pairs, nil when not applicable
}

// TableName specifies the table name for HistoryEntry.
func (HistoryEntry) TableName() string {
	return "history_entries"
}

// VoteRecord is one vote or signature on an entity. The composite unique
// index enforces "one vote per voter per entity" at the schema level.
type VoteRecord struct {
	gorm.Model
	VoteID    string `gorm:"uniqueIndex;not null"`
	EntityID  string `gorm:"uniqueIndex:idx_entity_voter,priority:1;not null"`
	VoterID   string `gorm:"uniqueIndex:idx_entity_voter,priority:2;not null"`
	VoterRole string `gorm:"not null"`
	Decision  string `gorm:"not null"` // APPROVED or REJECTED
	Reason    string `gorm:"type:text"`
	Signature []byte // Raw signature bytes for bridge categories, nil for tiers
}

// TableName specifies the table name for VoteRecord.
func (VoteRecord) TableName() string {
	return "vote_records"
}
