package services

import (
	"strings"
	"testing"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProbe(cfg *config.Config, runner *fakeRunner) *AccountProbe {
	client := newTestClient(cfg, runner)
	return NewAccountProbe(cfg, NewSessionLock(client), NewProxySelector(cfg, client))
}

func TestProbeRefreshesMetrics(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		switch command {
		case "df":
			return megacli.Result{ExitCode: 0, Output: "USED STORAGE: 5.00 GB of 20.00 GB"}, nil
		case "find":
			if contains(args, "--type=f") {
				return megacli.Result{ExitCode: 0, Output: "/vault/a/a.zip\n/vault/b/b.zip\n"}, nil
			}
			return megacli.Result{ExitCode: 0, Output: "/vault/a\n/vault/b\n/vault/c\n"}, nil
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	probe := newProbe(cfg, runner)

	acct := createTestAccount(t, models.RoleMain, "main1")
	refreshed, err := probe.Probe(acct.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(5*1024*1024*1024), refreshed.UsedBytes)
	assert.Equal(t, int64(20*1024*1024*1024), refreshed.TotalBytes)
	assert.Equal(t, 2, refreshed.FileCount)
	assert.Equal(t, 3, refreshed.FolderCount)
	assert.Equal(t, models.AccountConnected, refreshed.Status)
	require.NotNil(t, refreshed.LastCheckAt)
}

func TestProbeFallsBackToDu(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		switch command {
		case "df":
			return megacli.Result{ExitCode: 0, Output: "garbled locale output"}, nil
		case "du":
			return megacli.Result{ExitCode: 0, Output: "/vault: 512.00 MB"}, nil
		case "find":
			return megacli.Result{ExitCode: 0, Output: ""}, nil
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	probe := newProbe(cfg, runner)

	acct := createTestAccount(t, models.RoleMain, "main1")
	refreshed, err := probe.Probe(acct.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(512*1024*1024), refreshed.UsedBytes)
	assert.Equal(t, cfg.DefaultQuotaBytes, refreshed.TotalBytes)
}

func TestProbeFailureFlipsStatus(t *testing.T) {
	setupTestDB(t)
	cfg := testConfig()
	runner := &fakeRunner{}
	runner.handler = func(command string, args []string) (megacli.Result, error) {
		if command == "login" {
			return megacli.Result{ExitCode: 1, Output: "Login failed: invalid credentials"}, nil
		}
		return megacli.Result{ExitCode: 0}, nil
	}
	probe := newProbe(cfg, runner)

	acct := createTestAccount(t, models.RoleMain, "main1")
	refreshed, err := probe.Probe(acct.ID)
	require.Error(t, err)
	assert.Equal(t, models.AccountError, refreshed.Status)

	var stored models.StorageAccount
	require.NoError(t, database.DB.First(&stored, acct.ID).Error)
	assert.Equal(t, models.AccountError, stored.Status)
	require.NotNil(t, stored.LastCheckAt)

	var note models.AdminNotification
	require.NoError(t, database.DB.Where("title = ?", "Account probe failed").First(&note).Error)
	assert.True(t, strings.Contains(note.Message, "main1"))
}
