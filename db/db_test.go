package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/aurigraph/quorum-engine/store"
)

func TestOpenInMemoryDB(t *testing.T) {
	database, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	// All schema tables exist after migration.
	assert.True(t, database.Client().Migrator().HasTable(&store.Entity{}))
	assert.True(t, database.Client().Migrator().HasTable(&store.HistoryEntry{}))
	assert.True(t, database.Client().Migrator().HasTable(&store.VoteRecord{}))
}

func TestOpenFileDB(t *testing.T) {
	dir := t.TempDir()

	database, err := OpenFileDB(dir, "quorum_data.db", true)
	require.NoError(t, err)

	entity := &store.Entity{
		EntityID: "persist-check",
		Category: store.CategoryStandard,
		Status:   store.StatusPending,
	}
	require.NoError(t, database.Client().Create(entity).Error)
	require.NoError(t, database.Close())

	// Data survives a reopen.
	reopened, err := OpenFileDB(dir, "quorum_data.db", false)
	require.NoError(t, err)
	defer reopened.Close()

	var loaded store.Entity
	require.NoError(t, reopened.Client().Where("entity_id = ?", "persist-check").First(&loaded).Error)
	assert.Equal(t, store.CategoryStandard, loaded.Category)
}

func TestDuplicateKeyTranslation(t *testing.T) {
	database, err := OpenInMemoryDB(true)
	require.NoError(t, err)
	defer database.Close()

	vote := func() *store.VoteRecord {
		return &store.VoteRecord{
			VoteID:    "vote-1",
			EntityID:  "entity-1",
			VoterID:   "voter-1",
			VoterRole: store.RoleAdmin,
			Decision:  store.DecisionApproved,
		}
	}

	require.NoError(t, database.Client().Create(vote()).Error)

	second := vote()
	second.VoteID = "vote-2"
	err = database.Client().Create(second).Error
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey,
		"unique index violations must translate to gorm.ErrDuplicatedKey")
}

func TestPrepareFilePath(t *testing.T) {
	t.Run("creates the directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")
		path, err := prepareFilePath(dir, "x.db")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "x.db"), path)
	})

	t.Run("in-memory DSN passes through", func(t *testing.T) {
		path, err := prepareFilePath(InMemorySQLiteDSN, "x.db")
		require.NoError(t, err)
		assert.Equal(t, InMemorySQLiteDSN, path)
	})
}
