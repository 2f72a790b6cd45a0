package services

import (
	"testing"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(cfg *config.Config, runner *fakeRunner) *ReconciliationScanner {
	client := newTestClient(cfg, runner)
	return NewReconciliationScanner(cfg, NewSessionLock(client), NewProxySelector(cfg, client))
}

func publishAsset(t *testing.T, asset *models.Asset) {
	t.Helper()
	require.NoError(t, database.DB.Model(asset).Update("status", models.AssetPublished).Error)
}

func TestReconcileRecordsPresentReplicas(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			return megacli.Result{ExitCode: 0, Output: "/vault/pack-a/pack-a.zip\n"}, nil
		}
		return exportingHandler(command, args)
	}
	scanner := newScanner(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)

	require.NoError(t, scanner.Run(main.ID))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
	assert.Equal(t, "/vault/pack-a", rep.RemotePath)
	assert.Zero(t, runner.commandCalls("put"), "present replicas must not be re-uploaded")
}

func TestReconcileKeepsRecordedLink(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			return megacli.Result{ExitCode: 0, Output: "/vault/pack-a/pack-a.zip\n"}, nil
		}
		return exportingHandler(command, args)
	}
	scanner := newScanner(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)
	require.NoError(t, UpsertCompletedReplica(asset.ID, backup.ID, "/vault/pack-a", "https://mega.nz/folder/orig#key"))

	require.NoError(t, scanner.Run(main.ID))

	// The scan observed the file without exporting; the link recorded by
	// the batch run must survive it.
	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
	assert.Equal(t, "https://mega.nz/folder/orig#key", rep.PublicLink)
}

func TestReconcileRepairsMissingFromLocal(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			// Only pack-a is on the backup; pack-b is missing.
			return megacli.Result{ExitCode: 0, Output: "/vault/pack-a/pack-a.zip\n"}, nil
		}
		return exportingHandler(command, args)
	}
	scanner := newScanner(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	present := createTestAsset(t, main.ID, "pack-a", "")
	missing := createTestAsset(t, main.ID, "pack-b", writeArchive(t, "pack-b.zip"))
	publishAsset(t, present)
	publishAsset(t, missing)

	require.NoError(t, scanner.Run(main.ID))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", missing.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
	assert.Equal(t, "https://mega.nz/folder/test#key", rep.PublicLink)

	// One upload for the missing asset, none for the present one, and no
	// download since the local archive was still available.
	assert.Equal(t, 1, runner.commandCalls("put"))
	assert.Zero(t, runner.commandCalls("get"))
}

func TestReconcileDownloadsSourceFromMain(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.ReconcileCacheDir = t.TempDir()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "find" {
			return megacli.Result{ExitCode: 0, Output: ""}, nil
		}
		return exportingHandler(command, args)
	}
	scanner := newScanner(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	backup := createTestAccount(t, models.RoleBackup, "backup1")
	linkAccounts(t, main.ID, backup.ID)
	asset := createTestAsset(t, main.ID, "pack-a", "")
	publishAsset(t, asset)

	require.NoError(t, scanner.Run(main.ID))

	// The source had to come down from the main account first.
	assert.Equal(t, 1, runner.commandCalls("get"))
	assert.Equal(t, 1, runner.commandCalls("put"))

	// Three short sessions: the backup listing, the fetch from main and
	// the repair upload. The fetch never runs under a backup session.
	assert.Equal(t, 3, runner.commandCalls("login"))
	assert.Equal(t, 3, runner.commandCalls("logout"))

	var rep models.Replica
	require.NoError(t, database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error)
	assert.Equal(t, models.ReplicaCompleted, rep.Status)
}

func TestReconcileRejectsConcurrentRun(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	scanner := newScanner(cfg, &fakeRunner{})
	scanner.running = true

	err := scanner.Run(1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}

func TestReconcileNothingPublished(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	scanner := newScanner(cfg, runner)

	main := createTestAccount(t, models.RoleMain, "main1")
	createTestAsset(t, main.ID, "pack-a", "")

	require.NoError(t, scanner.Run(main.ID))
	assert.Zero(t, runner.commandCalls("login"), "draft-only catalogs need no session at all")
}
