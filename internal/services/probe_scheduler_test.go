package services

import (
	"testing"
	"time"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeSchedulerSweepsStaleAccounts(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	cfg.ProbeInterval = time.Hour
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "df" {
			return megacli.Result{ExitCode: 0, Output: "USED STORAGE: 1.00 GB of 20.00 GB"}, nil
		}
		return megacli.Result{ExitCode: 0, Output: ""}, nil
	}
	scheduler := NewProbeSchedulerService(cfg, newProbe(cfg, runner))

	stale := createTestAccount(t, models.RoleMain, "stale")
	fresh := createTestAccount(t, models.RoleBackup, "fresh")
	now := time.Now()
	require.NoError(t, database.DB.Model(fresh).Update("last_check_at", now).Error)
	suspended := createTestAccount(t, models.RoleBackup, "suspended")
	require.NoError(t, database.DB.Model(suspended).Update("suspended", true).Error)

	scheduler.sweep()

	// Only the never-probed account was touched.
	var refreshed models.StorageAccount
	require.NoError(t, database.DB.First(&refreshed, stale.ID).Error)
	require.NotNil(t, refreshed.LastCheckAt)
	assert.Equal(t, int64(1024*1024*1024), refreshed.UsedBytes)

	// A fresh struct per lookup; reusing one would carry its primary key
	// into the next query's conditions.
	var skipped models.StorageAccount
	require.NoError(t, database.DB.First(&skipped, suspended.ID).Error)
	assert.Nil(t, skipped.LastCheckAt)

	assert.Equal(t, 1, runner.commandCalls("login"))
}
