package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
)

// AccountProbe refreshes a storage account's health and usage metrics.
// Metrics are only ever written after a successful probe; a failed probe
// flips the status to ERROR and leaves the last known numbers in place.
type AccountProbe struct {
	cfg     *config.Config
	lock    *SessionLock
	proxies *ProxySelector
}

func NewAccountProbe(cfg *config.Config, lock *SessionLock, proxies *ProxySelector) *AccountProbe {
	return &AccountProbe{cfg: cfg, lock: lock, proxies: proxies}
}

// Probe logs into the account, reads usage and content counts, and writes
// the results back. Returns the refreshed account row.
func (p *AccountProbe) Probe(accountID uint) (*models.StorageAccount, error) {
	var acct models.StorageAccount
	if err := database.DB.First(&acct, accountID).Error; err != nil {
		return nil, fmt.Errorf("account %d: %w", accountID, err)
	}

	label := fmt.Sprintf("probe-%d", acct.ID)
	err := p.lock.WithExclusiveSession(label, func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, p.proxies, &acct); err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("AccountProbe: logout failed (ignored): %v", err)
			}
		}()

		used, total, err := client.Df(ctx)
		if err != nil {
			// df output is locale-dependent; du on the base path plus the
			// default quota keeps the metrics usable.
			log.Printf("AccountProbe: df unparseable for %s, falling back to du: %v", acct.Alias, err)
			used, err = client.Du(ctx, acct.BasePath)
			if err != nil {
				return fmt.Errorf("both df and du failed: %w", err)
			}
			total = p.cfg.DefaultQuotaBytes
		}

		files, err := client.Find(ctx, acct.BasePath, "f")
		if err != nil {
			return fmt.Errorf("counting files: %w", err)
		}
		folders, err := client.Find(ctx, acct.BasePath, "d")
		if err != nil {
			return fmt.Errorf("counting folders: %w", err)
		}

		now := time.Now()
		acct.UsedBytes = used
		acct.TotalBytes = total
		acct.FileCount = len(files)
		acct.FolderCount = len(folders)
		acct.LastCheckAt = &now
		acct.Status = models.AccountConnected
		return database.DB.Model(&acct).Updates(map[string]interface{}{
			"used_bytes":    used,
			"total_bytes":   total,
			"file_count":    len(files),
			"folder_count":  len(folders),
			"last_check_at": now,
			"status":        models.AccountConnected,
		}).Error
	})
	if err != nil {
		now := time.Now()
		database.DB.Model(&acct).Updates(map[string]interface{}{
			"last_check_at": now,
			"status":        models.AccountError,
		})
		acct.Status = models.AccountError
		acct.LastCheckAt = &now
		NotifyWarning("Account probe failed",
			fmt.Sprintf("Probing account %s failed: %v", acct.Alias, err),
			"account", acct.ID)
		return &acct, err
	}

	log.Printf("AccountProbe: account %s probed: %d/%d bytes, %d files, %d folders",
		acct.Alias, acct.UsedBytes, acct.TotalBytes, acct.FileCount, acct.FolderCount)
	return &acct, nil
}
