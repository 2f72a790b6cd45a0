package services

import (
	"testing"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertPendingReplicaIdempotent(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, UpsertPendingReplica(asset.ID, backup.ID))
	require.NoError(t, UpsertPendingReplica(asset.ID, backup.ID))

	var count int64
	database.DB.Model(&models.Replica{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestUpsertPendingReplicaKeepsCompleted(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/x#y"))
	require.NoError(t, UpsertPendingReplica(asset.ID, backup.ID))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status, "a completed replica must never be downgraded")
	assert.Equal(t, "https://mega.nz/folder/x#y", rep.PublicLink)
}

func TestUpsertCompletedReplicaPromotesPending(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, UpsertPendingReplica(asset.ID, backup.ID))
	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/x#y"))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
	assert.Equal(t, "/vault/pack-a", rep.RemotePath)
	require.NotNil(t, rep.FinishedAt)

	var count int64
	database.DB.Model(&models.Replica{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestUpsertCompletedReplicaKeepsRecordedLink(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/orig#key"))
	// A later observation without a link must not erase the recorded one.
	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", ""))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
	assert.Equal(t, "https://mega.nz/folder/orig#key", rep.PublicLink)
}

func TestMarkReplicaFailedTruncatesError(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, UpsertPendingReplica(asset.ID, backup.ID))
	var rep models.Replica
	require.NoError(t, database.DB.First(&rep).Error)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	markReplicaFailed(&rep, string(long))

	require.NoError(t, database.DB.First(&rep, rep.ID).Error)
	assert.Equal(t, models.ReplicaFailed, rep.Status)
	assert.Len(t, rep.ErrorMessage, 500)
}

func TestFullyReplicated(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	b1 := createTestAccount(t, models.RoleBackup, "backup1")
	b2 := createTestAccount(t, models.RoleBackup, "backup2")
	linkAccounts(t, main.ID, b1.ID)
	linkAccounts(t, main.ID, b2.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")

	assert.False(t, fullyReplicated(asset.ID, main.ID))

	require.NoError(t, UpsertCompletedReplica(asset.ID, b1.ID, "/vault/pack-a", ""))
	assert.False(t, fullyReplicated(asset.ID, main.ID))

	require.NoError(t, UpsertCompletedReplica(asset.ID, b2.ID, "/vault/pack-a", ""))
	assert.True(t, fullyReplicated(asset.ID, main.ID))
}

func TestFullyReplicatedNoLinks(t *testing.T) {
	setupTestDB(t)
	main := createTestAccount(t, models.RoleMain, "main1")
	asset := createTestAsset(t, main.ID, "pack-a", "")

	// No linked backups means the asset is never considered replicated,
	// so local cleanup will not delete its only copy.
	assert.False(t, fullyReplicated(asset.ID, main.ID))
}
