package services

import (
	"context"
	"fmt"
	"time"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/security"
)

// accountPassword decrypts the stored credential material for an account
func accountPassword(acct *models.StorageAccount) (string, error) {
	password, err := security.DecryptCredential(acct.CredentialBlob, acct.CredentialIV, acct.CredentialTag)
	if err != nil {
		return "", fmt.Errorf("decrypt credentials for account %s: %w", acct.Alias, err)
	}
	return password, nil
}

// loginAccount applies a proxy and authenticates the shared session as the
// given account. The caller must hold the session lock.
func loginAccount(ctx context.Context, proxies *ProxySelector, acct *models.StorageAccount) error {
	password, err := accountPassword(acct)
	if err != nil {
		return err
	}
	return proxies.Login(ctx, acct.Role, acct.Email, password)
}

// uploadsActiveGuard keeps the process-wide uploads-active marker fresh
// while a transfer sequence is in flight. The marker has a short TTL, so
// stopping the guard lets it lapse on its own; nothing clears it under
// another task's feet.
type uploadsActiveGuard struct {
	stop chan struct{}
}

func holdUploadsActive() *uploadsActiveGuard {
	g := &uploadsActiveGuard{stop: make(chan struct{})}
	database.MarkUploadsActive()
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				database.MarkUploadsActive()
			}
		}
	}()
	return g
}

func (g *uploadsActiveGuard) Stop() {
	close(g.stop)
}

// backupAccountsFor loads the non-suspended backup accounts linked to a
// main account, in link-creation order.
func backupAccountsFor(mainAccountID uint) ([]models.StorageAccount, error) {
	var accounts []models.StorageAccount
	err := database.DB.
		Joins("JOIN main_backup_links ON main_backup_links.backup_account_id = storage_accounts.id").
		Where("main_backup_links.main_account_id = ? AND storage_accounts.suspended = ?", mainAccountID, false).
		Order("main_backup_links.created_at asc").
		Find(&accounts).Error
	return accounts, err
}
