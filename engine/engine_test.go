package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurigraph/quorum-engine/config"
	"github.com/aurigraph/quorum-engine/db"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/policy"
	"github.com/aurigraph/quorum-engine/store"
)

// newTestEngine builds an engine over an in-memory database with the default
// configuration. Tests control the clock through e.now.
func newTestEngine(t *testing.T) *Engine {
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = database.Close() })

	cfg, err := config.DefaultConfig()
	require.NoError(t, err)

	st := entitystore.NewStore(database.Client(), zerolog.Nop())
	resolver := policy.NewResolver(cfg)
	return New(st, resolver, cfg, zerolog.Nop(), Options{})
}

func submitTier(t *testing.T, e *Engine, category string) *store.Entity {
	entity, err := e.Submit(SubmitRequest{
		Category:  category,
		Submitter: "alice",
		Reason:    "test request",
	})
	require.NoError(t, err)
	return entity
}

func submitTransfer(t *testing.T, e *Engine, category, htlcHash string) *store.Entity {
	entity, err := e.Submit(SubmitRequest{
		Category:      category,
		Submitter:     "alice",
		SourceChain:   "ethereum",
		TargetChain:   "polkadot",
		SourceAddress: "0xabc",
		TargetAddress: "5Gw3s",
		TokenSymbol:   "USDC",
		Amount:        "1000000",
		HTLCHash:      htlcHash,
	})
	require.NoError(t, err)
	return entity
}

func TestSubmit(t *testing.T) {
	t.Run("approval tier gets role quorum policy", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryCritical)

		assert.Equal(t, store.StatusPending, entity.Status)
		assert.Equal(t, 3, entity.RequiredApprovals)
		assert.Equal(t, 2, entity.RequiredAdminApprovals)
		assert.Equal(t, uint64(1), entity.EntityVersion)
		assert.WithinDuration(t, e.now().Add(e.cfg.VotingWindow()), entity.Deadline, time.Second)
	})

	t.Run("bridge transfer gets signature threshold policy", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		assert.Equal(t, 4, entity.RequiredApprovals)
		assert.Equal(t, uint64(12), entity.RequiredConfirmations, "ethereum confirmation requirement")
		assert.Equal(t, 0, entity.RequiredAdminApprovals)
	})

	t.Run("atomic swap gets a timelock", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryAtomicSwap, HashSecret("hunter2"))

		assert.NotZero(t, entity.HTLCTimeout)
		expected := e.now().Add(e.cfg.HTLCTimeout()).UnixMilli()
		assert.InDelta(t, expected, entity.HTLCTimeout, float64(time.Second.Milliseconds()))
	})

	t.Run("atomic swap requires a secret hash", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Submit(SubmitRequest{Category: store.CategoryAtomicSwap, Submitter: "alice"})
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("only atomic swaps take a secret hash", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Submit(SubmitRequest{
			Category:  store.CategoryBridge,
			Submitter: "alice",
			HTLCHash:  HashSecret("hunter2"),
		})
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("unknown category is rejected before persisting", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Submit(SubmitRequest{Category: "MYSTERY", Submitter: "alice"})
		assert.ErrorIs(t, err, policy.ErrUnknownCategory)

		counts, cerr := e.store.CountByStatus()
		require.NoError(t, cerr)
		assert.Empty(t, counts)
	})

	t.Run("missing parent is rejected", func(t *testing.T) {
		e := newTestEngine(t)
		_, err := e.Submit(SubmitRequest{
			Category:       store.CategoryStandard,
			Submitter:      "alice",
			ParentEntityID: "no-such-parent",
		})
		assert.ErrorIs(t, err, entitystore.ErrNotFound)
	})
}

func TestReject(t *testing.T) {
	t.Run("moves pending entity to rejected", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryStandard)

		updated, err := e.Reject(entity.EntityID, "bob", "not needed")
		require.NoError(t, err)
		assert.Equal(t, store.StatusRejected, updated.Status)
		assert.Equal(t, "not needed", updated.Reason)
		require.NotNil(t, updated.CompletedAt)
	})

	t.Run("bridge transfer reject lands in FAILED with retry open", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		updated, err := e.Reject(entity.EntityID, "validator-1", "invalid target address")
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, updated.Status)
		assert.True(t, updated.CanRetry())

		retried, err := e.Retry(entity.EntityID, "operator")
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, retried.Status)
	})

	t.Run("terminal entity cannot be rejected again", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryStandard)
		_, err := e.Reject(entity.EntityID, "bob", "first")
		require.NoError(t, err)

		_, err = e.Reject(entity.EntityID, "bob", "second")
		assert.ErrorIs(t, err, ErrAlreadyFinal)
	})

	t.Run("cascades exactly one hop", func(t *testing.T) {
		e := newTestEngine(t)
		parent := submitTier(t, e, store.CategoryCritical)

		child, err := e.Submit(SubmitRequest{
			Category:       store.CategoryStandard,
			Submitter:      "alice",
			ParentEntityID: parent.EntityID,
		})
		require.NoError(t, err)

		grandchild, err := e.Submit(SubmitRequest{
			Category:       store.CategoryStandard,
			Submitter:      "alice",
			ParentEntityID: child.EntityID,
		})
		require.NoError(t, err)

		_, err = e.Reject(parent.EntityID, "bob", "scope cancelled")
		require.NoError(t, err)

		gotChild, err := e.store.Get(child.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusRejected, gotChild.Status)
		assert.Equal(t, "cascaded from parent rejection: scope cancelled", gotChild.Reason)

		gotGrandchild, err := e.store.Get(grandchild.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, gotGrandchild.Status, "cascade must stop after one hop")
	})

	t.Run("terminal children are skipped by the cascade", func(t *testing.T) {
		e := newTestEngine(t)
		parent := submitTier(t, e, store.CategoryCritical)

		child, err := e.Submit(SubmitRequest{
			Category:       store.CategoryStandard,
			Submitter:      "alice",
			ParentEntityID: parent.EntityID,
		})
		require.NoError(t, err)
		_, err = e.Fail(child.EntityID, "system", "boom")
		require.NoError(t, err)

		_, err = e.Reject(parent.EntityID, "bob", "scope cancelled")
		require.NoError(t, err)

		gotChild, err := e.store.Get(child.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, gotChild.Status)
	})
}

func TestFailAndRetry(t *testing.T) {
	t.Run("fail records the error", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		updated, err := e.Fail(entity.EntityID, "system", "target chain unreachable")
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, updated.Status)
		assert.Equal(t, "target chain unreachable", updated.ErrorMsg)
		require.NotNil(t, updated.CompletedAt)
	})

	t.Run("retry reopens a failed entity with a clean slate", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		// Simulate some collected progress before the failure.
		_, err := e.Apply(entity.EntityID, func(en *store.Entity) (entitystore.Mutation, error) {
			return entitystore.Mutation{
				Updates: map[string]any{"collected_approvals": 2, "confirmations": 5},
				History: store.HistoryEntry{FromStatus: en.Status, ToStatus: en.Status},
			}, nil
		})
		require.NoError(t, err)
		_, err = e.Fail(entity.EntityID, "system", "boom")
		require.NoError(t, err)

		updated, err := e.Retry(entity.EntityID, "operator")
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, updated.Status)
		assert.Equal(t, 1, updated.RetryCount)
		assert.Zero(t, updated.CollectedApprovals)
		assert.Zero(t, updated.Confirmations)
		assert.False(t, updated.QuorumReached)
		assert.Empty(t, updated.ErrorMsg)
		assert.Nil(t, updated.CompletedAt)
		assert.True(t, updated.Deadline.After(e.now()), "deadline restarts on retry")
	})

	t.Run("retry budget is enforced", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		for i := 0; i < 3; i++ {
			_, err := e.Fail(entity.EntityID, "system", "boom")
			require.NoError(t, err)
			_, err = e.Retry(entity.EntityID, "operator")
			require.NoError(t, err)
		}

		_, err := e.Fail(entity.EntityID, "system", "boom")
		require.NoError(t, err)
		_, err = e.Retry(entity.EntityID, "operator")
		assert.ErrorIs(t, err, ErrRetryExhausted)

		final, err := e.store.Get(entity.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, final.Status)
		assert.Equal(t, 3, final.RetryCount)
	})

	t.Run("only failed entities can be retried", func(t *testing.T) {
		e := newTestEngine(t)
		pending := submitTier(t, e, store.CategoryStandard)
		_, err := e.Retry(pending.EntityID, "operator")
		assert.ErrorIs(t, err, ErrPolicyViolation)

		rejected := submitTier(t, e, store.CategoryStandard)
		_, err = e.Reject(rejected.EntityID, "bob", "no")
		require.NoError(t, err)
		_, err = e.Retry(rejected.EntityID, "operator")
		assert.ErrorIs(t, err, ErrAlreadyFinal)
	})
}

func TestExpire(t *testing.T) {
	t.Run("before the deadline nothing happens", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryStandard)

		_, err := e.Expire(entity.EntityID, "sweeper")
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("past the deadline the entity expires", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryStandard)

		e.now = func() time.Time { return entity.Deadline.Add(time.Minute) }

		updated, err := e.Expire(entity.EntityID, "sweeper")
		require.NoError(t, err)
		assert.Equal(t, store.StatusExpired, updated.Status)
		require.NotNil(t, updated.CompletedAt)
	})
}

func TestRecordConfirmation(t *testing.T) {
	t.Run("approval tiers do not track confirmations", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTier(t, e, store.CategoryElevated)
		_, err := e.RecordConfirmation(entity.EntityID, 5, "watcher")
		assert.ErrorIs(t, err, ErrPolicyViolation)
	})

	t.Run("counts are monotonic", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		updated, err := e.RecordConfirmation(entity.EntityID, 5, "watcher")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), updated.Confirmations)
		assert.Equal(t, store.StatusConfirming, updated.Status,
			"first confirmations move the transfer out of PENDING")

		updated, err = e.RecordConfirmation(entity.EntityID, 3, "watcher")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), updated.Confirmations, "lower observation must not rewind the count")
	})

	t.Run("transfer completes once quorum and confirmations are both in", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryBridge, "")

		// Signature quorum already reached, waiting on the chain.
		_, err := e.Apply(entity.EntityID, func(en *store.Entity) (entitystore.Mutation, error) {
			return entitystore.Mutation{
				Updates: map[string]any{"status": store.StatusConfirming, "quorum_reached": true},
				History: store.HistoryEntry{FromStatus: en.Status, ToStatus: store.StatusConfirming},
			}, nil
		})
		require.NoError(t, err)

		updated, err := e.RecordConfirmation(entity.EntityID, 11, "watcher")
		require.NoError(t, err)
		assert.Equal(t, store.StatusConfirming, updated.Status)

		updated, err = e.RecordConfirmation(entity.EntityID, 12, "watcher")
		require.NoError(t, err)
		assert.Equal(t, store.StatusCompleted, updated.Status)
		require.NotNil(t, updated.CompletedAt)
	})

	t.Run("atomic swap waits for a claim even with confirmations", func(t *testing.T) {
		e := newTestEngine(t)
		entity := submitTransfer(t, e, store.CategoryAtomicSwap, HashSecret("hunter2"))

		_, err := e.Apply(entity.EntityID, func(en *store.Entity) (entitystore.Mutation, error) {
			return entitystore.Mutation{
				Updates: map[string]any{"status": store.StatusConfirming, "quorum_reached": true},
				History: store.HistoryEntry{FromStatus: en.Status, ToStatus: store.StatusConfirming},
			}, nil
		})
		require.NoError(t, err)

		updated, err := e.RecordConfirmation(entity.EntityID, 50, "watcher")
		require.NoError(t, err)
		assert.Equal(t, store.StatusConfirming, updated.Status)
	})
}

func TestTerminalImmutability(t *testing.T) {
	e := newTestEngine(t)
	entity := submitTier(t, e, store.CategoryStandard)
	_, err := e.Reject(entity.EntityID, "bob", "done")
	require.NoError(t, err)

	before, err := e.store.Get(entity.EntityID)
	require.NoError(t, err)

	_, err = e.Fail(entity.EntityID, "system", "boom")
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	e.now = func() time.Time { return entity.Deadline.Add(time.Hour) }
	_, err = e.Expire(entity.EntityID, "sweeper")
	assert.ErrorIs(t, err, ErrAlreadyFinal)

	after, err := e.store.Get(entity.EntityID)
	require.NoError(t, err)
	assert.Equal(t, before.EntityVersion, after.EntityVersion, "failed transitions must not bump the version")

	history, err := e.store.GetHistory(entity.EntityID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
