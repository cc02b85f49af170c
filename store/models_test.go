package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminal(t *testing.T) {
	terminal := []string{
		StatusApproved, StatusCompleted, StatusRejected,
		StatusFailed, StatusExpired, StatusRefunded,
	}
	for _, status := range terminal {
		e := &Entity{Status: status}
		assert.Truef(t, e.IsTerminal(), "status %s", status)
	}

	for _, status := range []string{StatusPending, StatusConfirming} {
		e := &Entity{Status: status}
		assert.Falsef(t, e.IsTerminal(), "status %s", status)
	}
}

func TestCanRetry(t *testing.T) {
	assert.True(t, (&Entity{Status: StatusFailed, RetryCount: 2, MaxRetries: 3}).CanRetry())
	assert.False(t, (&Entity{Status: StatusFailed, RetryCount: 3, MaxRetries: 3}).CanRetry())
	assert.False(t, (&Entity{Status: StatusPending, RetryCount: 0, MaxRetries: 3}).CanRetry())
	assert.False(t, (&Entity{Status: StatusRejected, RetryCount: 0, MaxRetries: 3}).CanRetry())
}

func TestIsBridgeCategory(t *testing.T) {
	for _, category := range []string{CategoryBridge, CategoryAtomicSwap, CategoryLockMint, CategoryBurnMint} {
		e := &Entity{Category: category}
		assert.Truef(t, e.IsBridgeCategory(), "category %s", category)
	}
	for _, category := range []string{CategoryStandard, CategoryElevated, CategoryCritical} {
		e := &Entity{Category: category}
		assert.Falsef(t, e.IsBridgeCategory(), "category %s", category)
	}
}

func TestHTLCExpired(t *testing.T) {
	now := time.Now()

	assert.False(t, (&Entity{}).HTLCExpired(now), "no timelock never expires")
	assert.False(t, (&Entity{HTLCTimeout: now.Add(time.Minute).UnixMilli()}).HTLCExpired(now))
	assert.True(t, (&Entity{HTLCTimeout: now.Add(-time.Minute).UnixMilli()}).HTLCExpired(now))
}

func TestHasRequiredConfirmations(t *testing.T) {
	assert.False(t, (&Entity{Confirmations: 12}).HasRequiredConfirmations(),
		"zero requirement means confirmations are not tracked")
	assert.False(t, (&Entity{Confirmations: 11, RequiredConfirmations: 12}).HasRequiredConfirmations())
	assert.True(t, (&Entity{Confirmations: 12, RequiredConfirmations: 12}).HasRequiredConfirmations())
}
