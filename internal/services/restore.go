package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
)

// RestorePipeline rebuilds a main account's published catalog from its
// backup replicas after account loss. Three phases, each in its own
// exclusive session: scan the main account, download missing archives
// from the backups into a staging area, re-upload and re-export on main.
// Failures leave asset state untouched so the run can be repeated.
type RestorePipeline struct {
	cfg     *config.Config
	lock    *SessionLock
	proxies *ProxySelector

	mu      sync.Mutex
	running bool
}

type restoreCandidate struct {
	asset  models.Asset
	staged string
}

func NewRestorePipeline(cfg *config.Config, lock *SessionLock, proxies *ProxySelector) *RestorePipeline {
	return &RestorePipeline{cfg: cfg, lock: lock, proxies: proxies}
}

// Run restores every asset of the main account that is not verifiably
// present on it. Only one restore per process runs at a time.
func (r *RestorePipeline) Run(mainAccountID uint) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("a restore is already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var mainAcct models.StorageAccount
	if err := database.DB.First(&mainAcct, mainAccountID).Error; err != nil {
		return fmt.Errorf("main account %d: %w", mainAccountID, err)
	}

	var assets []models.Asset
	if err := database.DB.
		Where("main_account_id = ? AND status IN ?", mainAccountID,
			[]models.AssetStatus{models.AssetPublished, models.AssetFailed}).
		Find(&assets).Error; err != nil {
		return fmt.Errorf("loading restore candidates: %w", err)
	}
	if len(assets) == 0 {
		log.Printf("RestorePipeline: account %d has nothing to restore", mainAccountID)
		return nil
	}

	stagingDir := filepath.Join(r.cfg.StagingDir, "restore-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil {
			log.Printf("RestorePipeline: removing staging dir failed (ignored): %v", err)
		}
	}()

	needed, err := r.scanMain(&mainAcct, assets)
	if err != nil {
		return err
	}
	if len(needed) == 0 {
		log.Printf("RestorePipeline: account %s already holds all %d assets", mainAcct.Alias, len(assets))
		return nil
	}
	log.Printf("RestorePipeline: %d of %d assets need restoring to %s", len(needed), len(assets), mainAcct.Alias)

	staged := r.fetchFromBackups(&mainAcct, needed, stagingDir)
	restored, failed := r.uploadToMain(&mainAcct, staged)

	log.Printf("RestorePipeline: account %s restore finished: %d restored, %d failed, %d unsourced",
		mainAcct.Alias, restored, failed, len(needed)-len(staged))
	if restored < len(needed) {
		NotifyWarning("Restore incomplete",
			fmt.Sprintf("%d of %d assets could not be restored to account %s",
				len(needed)-restored, len(needed), mainAcct.Alias),
			"account", mainAcct.ID)
	} else {
		NotifyInfo("Restore complete",
			fmt.Sprintf("All %d assets restored to account %s", restored, mainAcct.Alias),
			"account", mainAcct.ID)
	}
	return nil
}

// scanMain lists the main account once and splits the catalog into assets
// already present (link regenerated if missing) and assets needing a
// download from the backups.
func (r *RestorePipeline) scanMain(mainAcct *models.StorageAccount, assets []models.Asset) ([]models.Asset, error) {
	var needed []models.Asset
	err := r.lock.WithExclusiveSession(fmt.Sprintf("restore-scan-%d", mainAcct.ID), func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, r.proxies, mainAcct); err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("RestorePipeline: logout after scan failed (ignored): %v", err)
			}
		}()

		present, err := client.Find(ctx, mainAcct.BasePath, "f")
		if err != nil {
			return fmt.Errorf("listing %s: %w", mainAcct.BasePath, err)
		}
		onRemote := make(map[string]bool, len(present))
		for _, path := range present {
			onRemote[path] = true
		}

		for i := range assets {
			asset := &assets[i]
			if !onRemote[asset.RemoteFile(mainAcct.BasePath)] {
				needed = append(needed, *asset)
				continue
			}
			if asset.PublicLink == nil || *asset.PublicLink == "" || asset.Status != models.AssetPublished {
				link, err := client.Export(ctx, asset.RemoteFolder(mainAcct.BasePath))
				if err != nil {
					log.Printf("RestorePipeline: regenerating link for %s failed: %v", asset.Slug, err)
					continue
				}
				database.DB.Model(asset).Updates(map[string]interface{}{
					"status":        models.AssetPublished,
					"public_link":   link,
					"error_message": "",
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning main account: %w", err)
	}
	return needed, nil
}

// fetchFromBackups downloads each needed archive from whichever backup
// holds a COMPLETED replica, one session per backup account. Stalls rotate
// the proxy and retry with backoff, bounded by the configured retry count.
func (r *RestorePipeline) fetchFromBackups(mainAcct *models.StorageAccount, needed []models.Asset, stagingDir string) []restoreCandidate {
	backups, err := backupAccountsFor(mainAcct.ID)
	if err != nil {
		log.Printf("RestorePipeline: loading backup accounts: %v", err)
		return nil
	}

	remaining := make(map[uint]models.Asset, len(needed))
	for _, asset := range needed {
		remaining[asset.ID] = asset
	}

	var staged []restoreCandidate
	for i := range backups {
		if len(remaining) == 0 {
			break
		}
		backup := &backups[i]

		var holds []models.Replica
		assetIDs := make([]uint, 0, len(remaining))
		for id := range remaining {
			assetIDs = append(assetIDs, id)
		}
		if err := database.DB.
			Where("backup_account_id = ? AND status = ? AND asset_id IN ?",
				backup.ID, models.ReplicaCompleted, assetIDs).
			Find(&holds).Error; err != nil {
			log.Printf("RestorePipeline: querying replicas on %s: %v", backup.Alias, err)
			continue
		}
		if len(holds) == 0 {
			continue
		}

		err := r.lock.WithExclusiveSession(fmt.Sprintf("restore-fetch-%d", backup.ID), func(client *megacli.Client) error {
			ctx := context.Background()
			if err := loginAccount(ctx, r.proxies, backup); err != nil {
				return err
			}
			defer func() {
				if err := client.Logout(ctx); err != nil {
					log.Printf("RestorePipeline: logout from %s failed (ignored): %v", backup.Alias, err)
				}
			}()

			for _, rep := range holds {
				asset, ok := remaining[rep.AssetID]
				if !ok {
					continue
				}
				local := filepath.Join(stagingDir, asset.ArchiveName)
				if err := r.downloadWithRetry(ctx, client, backup, &asset, local); err != nil {
					log.Printf("RestorePipeline: downloading %s from %s failed: %v", asset.Slug, backup.Alias, err)
					os.Remove(local)
					continue
				}
				staged = append(staged, restoreCandidate{asset: asset, staged: local})
				delete(remaining, asset.ID)
			}
			return nil
		})
		if err != nil {
			log.Printf("RestorePipeline: fetch session on %s aborted: %v", backup.Alias, err)
		}
	}

	for _, asset := range remaining {
		NotifyError("Restore source missing",
			fmt.Sprintf("No backup account holds a completed replica of %s", asset.Slug),
			"asset", asset.ID)
	}
	return staged
}

// downloadWithRetry pulls one archive, rotating the proxy and re-logging
// in after a stall. The rotation byte counter also forces a proxy change
// once the cumulative volume crosses the threshold.
func (r *RestorePipeline) downloadWithRetry(ctx context.Context, client *megacli.Client, backup *models.StorageAccount, asset *models.Asset, local string) error {
	remote := asset.RemoteFile(backup.BasePath)

	var lastErr error
	for attempt := 0; attempt <= r.cfg.StallRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryBackoff)
		}
		err := client.Get(ctx, remote, local, func(pct float64) {
			database.SetTransferProgress(database.TransferProgress{
				AssetID: asset.ID, AccountID: backup.ID, Operation: "restore-download", Percent: pct,
			})
		})
		if err == nil {
			if r.proxies.RecordBytes(backup.Role, asset.ArchiveSize) {
				log.Printf("RestorePipeline: byte threshold crossed, rotating proxy for role %s", backup.Role)
				r.proxies.Rotate(backup.Role)
				if err := loginAccount(ctx, r.proxies, backup); err != nil {
					return fmt.Errorf("re-login after proxy rotation: %w", err)
				}
			}
			return nil
		}

		lastErr = err
		var stall *megacli.StallError
		switch {
		case errors.As(err, &stall):
			log.Printf("RestorePipeline: download of %s stalled at %.1f%%, rotating proxy (attempt %d/%d)",
				asset.Slug, stall.LastPercent, attempt+1, r.cfg.StallRetries+1)
			r.proxies.Rotate(backup.Role)
			if lerr := loginAccount(ctx, r.proxies, backup); lerr != nil {
				return fmt.Errorf("re-login after stall: %w", lerr)
			}
		case errors.Is(err, megacli.ErrNotLoggedIn):
			if lerr := loginAccount(ctx, r.proxies, backup); lerr != nil {
				return fmt.Errorf("re-login: %w", lerr)
			}
		default:
			return err
		}
	}
	return fmt.Errorf("download exhausted %d retries: %w", r.cfg.StallRetries, lastErr)
}

// uploadToMain pushes the staged archives back onto the main account in
// one session and re-exports their links. Staged files are removed as soon
// as their asset is PUBLISHED again.
func (r *RestorePipeline) uploadToMain(mainAcct *models.StorageAccount, staged []restoreCandidate) (restored, failed int) {
	if len(staged) == 0 {
		return 0, 0
	}

	err := r.lock.WithExclusiveSession(fmt.Sprintf("restore-upload-%d", mainAcct.ID), func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, r.proxies, mainAcct); err != nil {
			return err
		}
		guard := holdUploadsActive()
		defer guard.Stop()
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("RestorePipeline: logout after upload failed (ignored): %v", err)
			}
		}()

		for _, cand := range staged {
			if err := r.restoreOne(ctx, client, mainAcct, cand); err != nil {
				failed++
				NotifyError("Restore upload failed",
					fmt.Sprintf("Re-uploading %s to %s failed: %v", cand.asset.Slug, mainAcct.Alias, err),
					"asset", cand.asset.ID)
				continue
			}
			restored++
			os.Remove(cand.staged)
		}
		return nil
	})
	if err != nil {
		log.Printf("RestorePipeline: upload session aborted: %v", err)
		NotifyError("Restore phase failed",
			fmt.Sprintf("Upload phase for account %s aborted: %v", mainAcct.Alias, err),
			"account", mainAcct.ID)
	}
	return restored, failed
}

func (r *RestorePipeline) restoreOne(ctx context.Context, client *megacli.Client, mainAcct *models.StorageAccount, cand restoreCandidate) error {
	asset := cand.asset
	folder := asset.RemoteFolder(mainAcct.BasePath)

	if err := client.MkdirP(ctx, folder); err != nil {
		return err
	}

	present, err := client.Find(ctx, folder, "f")
	already := err == nil && contains(present, asset.RemoteFile(mainAcct.BasePath))
	if !already {
		progress := func(pct float64) {
			database.SetTransferProgress(database.TransferProgress{
				AssetID: asset.ID, AccountID: mainAcct.ID, Operation: "restore-upload", Percent: pct,
			})
		}
		uploadErr := client.Put(ctx, cand.staged, folder+"/", progress)
		if errors.Is(uploadErr, megacli.ErrNotLoggedIn) {
			if lerr := loginAccount(ctx, r.proxies, mainAcct); lerr == nil {
				uploadErr = client.Put(ctx, cand.staged, folder+"/", progress)
			}
		}
		if uploadErr != nil {
			return uploadErr
		}
	}

	var link string
	var lastErr error
	for attempt := 0; attempt <= r.cfg.StallRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryBackoff)
		}
		link, lastErr = client.Export(ctx, folder)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("exporting restored folder: %w", lastErr)
	}

	return database.DB.Model(&models.Asset{}).
		Where("id = ?", asset.ID).
		Updates(map[string]interface{}{
			"status":        models.AssetPublished,
			"public_link":   link,
			"error_message": "",
		}).Error
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
