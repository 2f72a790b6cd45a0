package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/security"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeCall struct {
	command     string
	hasProgress bool
}

// fakeRunner scripts remote-CLI responses per command and records every
// invocation in order.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []fakeCall
	handler func(command string, args []string) (megacli.Result, error)
	delay   time.Duration
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string, opts megacli.RunOptions) (megacli.Result, error) {
	command := strings.TrimPrefix(name, "mega-")

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{command: command, hasProgress: opts.OnProgress != nil})
	handler := f.handler
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if handler != nil {
		return handler(command, args)
	}
	return megacli.Result{ExitCode: 0}, nil
}

func (f *fakeRunner) commandCalls(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.command == command {
			n++
		}
	}
	return n
}

// progressCalls counts invocations of a command that carried a progress
// callback.
func (f *fakeRunner) progressCalls(command string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.command == command && c.hasProgress {
			n++
		}
	}
	return n
}

func setupTestDB(t *testing.T) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	database.DB = db
}

func testConfig() *config.Config {
	return &config.Config{
		ProxyPool:          []string{"http://proxy-a:3128", "http://proxy-b:3128"},
		LoginAttempts:      10,
		RotationByteLimit:  3 * 1024 * 1024 * 1024,
		CommandTimeout:     10 * time.Second,
		StallTimeout:       10 * time.Second,
		PromptTimeout:      time.Second,
		MaxOutputBytes:     64 * 1024,
		DebounceQuietGap:   50 * time.Millisecond,
		DebounceMaxWait:    200 * time.Millisecond,
		DebounceMinPending: 3,
		BackupQuietPeriod:  100 * time.Millisecond,
		BackupQuietPoll:    10 * time.Millisecond,
		StallRetries:       2,
		RetryBackoff:       10 * time.Millisecond,
		DefaultQuotaBytes:  20 * 1024 * 1024 * 1024,
	}
}

func newTestClient(cfg *config.Config, runner megacli.Runner) *megacli.Client {
	return megacli.NewClientWithRunner(cfg, runner)
}

func createTestAccount(t *testing.T, role models.AccountRole, alias string) *models.StorageAccount {
	t.Helper()
	require.NoError(t, security.InitializeKey("test-secret"))
	blob, iv, tag, err := security.EncryptCredential("account-password")
	require.NoError(t, err)

	acct := &models.StorageAccount{
		Role:           role,
		Alias:          alias,
		Email:          alias + "@example.com",
		CredentialBlob: blob,
		CredentialIV:   iv,
		CredentialTag:  tag,
		BasePath:       "/vault",
		Status:         models.AccountConnected,
	}
	require.NoError(t, database.DB.Create(acct).Error)
	return acct
}

func linkAccounts(t *testing.T, mainID, backupID uint) {
	t.Helper()
	require.NoError(t, database.DB.Create(&models.MainBackupLink{
		MainAccountID:   mainID,
		BackupAccountID: backupID,
	}).Error)
}

func createTestAsset(t *testing.T, mainAccountID uint, slug, localPath string) *models.Asset {
	t.Helper()
	asset := &models.Asset{
		Slug:          slug,
		Title:         slug,
		MainAccountID: mainAccountID,
		ArchiveName:   slug + ".zip",
		ArchiveSize:   1024,
		LocalPath:     localPath,
		Status:        models.AssetDraft,
	}
	require.NoError(t, database.DB.Create(asset).Error)
	return asset
}

// exportingHandler answers every command with success and returns a link
// for export calls.
func exportingHandler(command string, args []string) (megacli.Result, error) {
	if command == "export" {
		return megacli.Result{ExitCode: 0, Output: "Exported: https://mega.nz/folder/test#key"}, nil
	}
	return megacli.Result{ExitCode: 0}, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}
