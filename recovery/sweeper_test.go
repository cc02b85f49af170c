package recovery

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurigraph/quorum-engine/config"
	"github.com/aurigraph/quorum-engine/db"
	"github.com/aurigraph/quorum-engine/engine"
	"github.com/aurigraph/quorum-engine/entitystore"
	"github.com/aurigraph/quorum-engine/policy"
	"github.com/aurigraph/quorum-engine/store"
)

func setupSweeper(t *testing.T, autoRetry bool) (*Sweeper, *engine.Engine, *gorm.DB) {
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err, "failed to open test database")
	t.Cleanup(func() { _ = database.Close() })

	cfg, err := config.DefaultConfig()
	require.NoError(t, err)

	st := entitystore.NewStore(database.Client(), zerolog.Nop())
	resolver := policy.NewResolver(cfg)
	eng := engine.New(st, resolver, cfg, zerolog.Nop(), engine.Options{})

	sweeper := NewSweeper(Config{
		Engine:    eng,
		StuckAge:  time.Hour,
		AutoRetry: autoRetry,
		Logger:    zerolog.Nop(),
	})
	return sweeper, eng, database.Client()
}

func backdate(t *testing.T, gdb *gorm.DB, entityID, column string, value any) {
	err := gdb.Model(&store.Entity{}).
		Where("entity_id = ?", entityID).
		Update(column, value).Error
	require.NoError(t, err)
}

func TestSweepExpiresDeadlines(t *testing.T) {
	sweeper, eng, gdb := setupSweeper(t, false)

	overdue, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
	require.NoError(t, err)
	backdate(t, gdb, overdue.EntityID, "deadline", time.Now().Add(-time.Minute))

	fresh, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
	require.NoError(t, err)

	sweeper.Sweep()

	got, err := eng.Store().Get(overdue.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)

	got, err = eng.Store().Get(fresh.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestSweepExpiresUnderConfirmedTransfer(t *testing.T) {
	sweeper, eng, gdb := setupSweeper(t, false)

	transfer, err := eng.Submit(engine.SubmitRequest{
		Category:    store.CategoryBridge,
		Submitter:   "alice",
		SourceChain: "ethereum",
		TargetChain: "polkadot",
		Amount:      "1000000",
	})
	require.NoError(t, err)

	// One confirmation short of the ethereum requirement when time runs out.
	_, err = eng.RecordConfirmation(transfer.EntityID, 11, "watcher")
	require.NoError(t, err)
	backdate(t, gdb, transfer.EntityID, "deadline", time.Now().Add(-time.Minute))

	sweeper.Sweep()

	got, err := eng.Store().Get(transfer.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status, "an under-confirmed transfer expires, it does not fail")
}

func TestSweepIsIdempotent(t *testing.T) {
	sweeper, eng, gdb := setupSweeper(t, false)

	overdue, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
	require.NoError(t, err)
	backdate(t, gdb, overdue.EntityID, "deadline", time.Now().Add(-time.Minute))

	sweeper.Sweep()
	sweeper.Sweep()

	got, err := eng.Store().Get(overdue.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)

	history, err := eng.Store().GetHistory(overdue.EntityID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "second sweep must not touch an already expired entity")
}

func TestSweepRefundsExpiredSwaps(t *testing.T) {
	sweeper, eng, gdb := setupSweeper(t, false)

	swap, err := eng.Submit(engine.SubmitRequest{
		Category:    store.CategoryAtomicSwap,
		Submitter:   "alice",
		SourceChain: "ethereum",
		TargetChain: "polkadot",
		Amount:      "1000000",
		HTLCHash:    engine.HashSecret("hunter2"),
	})
	require.NoError(t, err)
	backdate(t, gdb, swap.EntityID, "htlc_timeout", time.Now().Add(-time.Minute).UnixMilli())

	sweeper.Sweep()

	got, err := eng.Store().Get(swap.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRefunded, got.Status)
}

func TestSweepAutoRetry(t *testing.T) {
	t.Run("disabled leaves failed entities alone", func(t *testing.T) {
		sweeper, eng, _ := setupSweeper(t, false)

		entity, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
		require.NoError(t, err)
		_, err = eng.Fail(entity.EntityID, "system", "boom")
		require.NoError(t, err)

		sweeper.Sweep()

		got, err := eng.Store().Get(entity.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, got.Status)
	})

	t.Run("enabled retries under budget", func(t *testing.T) {
		sweeper, eng, _ := setupSweeper(t, true)

		entity, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
		require.NoError(t, err)
		_, err = eng.Fail(entity.EntityID, "system", "boom")
		require.NoError(t, err)

		sweeper.Sweep()

		got, err := eng.Store().Get(entity.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
	})

	t.Run("exhausted budget stays failed", func(t *testing.T) {
		sweeper, eng, gdb := setupSweeper(t, true)

		entity, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
		require.NoError(t, err)
		_, err = eng.Fail(entity.EntityID, "system", "boom")
		require.NoError(t, err)
		backdate(t, gdb, entity.EntityID, "retry_count", 3)

		sweeper.Sweep()

		got, err := eng.Store().Get(entity.EntityID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFailed, got.Status)
	})
}

func TestSweepReportsStuckWithoutMutating(t *testing.T) {
	sweeper, eng, gdb := setupSweeper(t, false)

	entity, err := eng.Submit(engine.SubmitRequest{Category: store.CategoryStandard, Submitter: "alice"})
	require.NoError(t, err)
	backdate(t, gdb, entity.EntityID, "created_at", time.Now().Add(-2*time.Hour))

	sweeper.Sweep()

	got, err := eng.Store().Get(entity.EntityID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, uint64(1), got.EntityVersion, "stuck reporting must not write")
}
