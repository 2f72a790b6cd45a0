package services

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRestore(cfg *config.Config, runner *fakeRunner) *RestorePipeline {
	client := newTestClient(cfg, runner)
	return NewRestorePipeline(cfg, NewSessionLock(client), NewProxySelector(cfg, client))
}

func TestRestoreFetchesFromBackup(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.StagingDir = t.TempDir()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			// The main account is empty after the loss.
			return megacli.Result{ExitCode: 0, Output: ""}, nil
		}
		return exportingHandler(command, args)
	}
	pipeline := newRestore(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)
	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/old#key"))

	require.NoError(t, pipeline.Run(main.ID))

	var restored models.Asset
	require.NoError(t, database.DB.First(&restored, asset.ID).Error)
	assert.Equal(t, models.AssetPublished, restored.Status)
	require.NotNil(t, restored.PublicLink)
	assert.Equal(t, "https://mega.nz/folder/test#key", *restored.PublicLink)

	// One download off the backup, one upload back onto main.
	assert.Equal(t, 1, runner.commandCalls("get"))
	assert.Equal(t, 1, runner.commandCalls("put"))

	// The staging area is cleaned up after the run.
	entries, err := os.ReadDir(cfg.StagingDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestoreRegeneratesLinkForPresentAsset(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.StagingDir = t.TempDir()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			return megacli.Result{ExitCode: 0, Output: "/vault/pack-a/pack-a.zip\n"}, nil
		}
		return exportingHandler(command, args)
	}
	pipeline := newRestore(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	asset := createTestAsset(t, main.ID, "pack-a", "")
	require.NoError(t, database.DB.Model(asset).Updates(map[string]interface{}{
		"status":        models.AssetFailed,
		"error_message": "upload stalled",
	}).Error)

	require.NoError(t, pipeline.Run(main.ID))

	var fixed models.Asset
	require.NoError(t, database.DB.First(&fixed, asset.ID).Error)
	assert.Equal(t, models.AssetPublished, fixed.Status)
	require.NotNil(t, fixed.PublicLink)
	assert.Empty(t, fixed.ErrorMessage)

	// The archive was already on main, so nothing moved.
	assert.Zero(t, runner.commandCalls("get"))
	assert.Zero(t, runner.commandCalls("put"))
}

func TestRestoreUploadRetryKeepsProgress(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.StagingDir = t.TempDir()
	runner := &fakeRunner{}
	var putAttempts int32
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		switch command {
		case "find":
			return megacli.Result{ExitCode: 0, Output: ""}, nil
		case "put":
			// The session drops once mid-upload; the retry after the
			// re-login must succeed.
			if atomic.AddInt32(&putAttempts, 1) == 1 {
				return megacli.Result{ExitCode: 1, Output: "Not logged in"}, nil
			}
		}
		return exportingHandler(command, args)
	}
	pipeline := newRestore(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)
	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/old#key"))

	require.NoError(t, pipeline.Run(main.ID))

	var restored models.Asset
	require.NoError(t, database.DB.First(&restored, asset.ID).Error)
	assert.Equal(t, models.AssetPublished, restored.Status)

	// Both upload attempts report progress, not just the first.
	assert.Equal(t, 2, runner.commandCalls("put"))
	assert.Equal(t, 2, runner.progressCalls("put"))
}

func TestRestoreReportsUnsourcedAssets(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.StagingDir = t.TempDir()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			return megacli.Result{ExitCode: 0, Output: ""}, nil
		}
		return exportingHandler(command, args)
	}
	pipeline := newRestore(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)
	// No completed replica anywhere: the asset cannot be sourced.

	require.NoError(t, pipeline.Run(main.ID))

	assert.Zero(t, runner.commandCalls("get"))
	assert.Zero(t, runner.commandCalls("put"))

	var note models.AdminNotification
	require.NoError(t, database.DB.Where("title = ?", "Restore source missing").First(&note).Error)
	assert.Equal(t, models.NotifyError, note.Level)
}

func TestRestoreRejectsConcurrentRun(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	pipeline := newRestore(cfg, &fakeRunner{})
	pipeline.running = true

	err := pipeline.Run(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
