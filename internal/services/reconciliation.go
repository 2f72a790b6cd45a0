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

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
)

// ReconciliationScanner converges the replica ledger with what the backup
// accounts actually hold. The remote listing is the source of truth: files
// present but unrecorded become COMPLETED rows with no transfer; files
// recorded but missing are re-uploaded through the stall-aware path.
type ReconciliationScanner struct {
	cfg     *config.Config
	lock    *SessionLock
	proxies *ProxySelector

	mu      sync.Mutex
	running bool
}

func NewReconciliationScanner(cfg *config.Config, lock *SessionLock, proxies *ProxySelector) *ReconciliationScanner {
	return &ReconciliationScanner{cfg: cfg, lock: lock, proxies: proxies}
}

// Run scans every linked backup of the given main account. Only one scan
// per process runs at a time; a second trigger is rejected.
func (s *ReconciliationScanner) Run(mainAccountID uint) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("a reconciliation scan is already running")
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var mainAcct models.StorageAccount
	if err := database.DB.First(&mainAcct, mainAccountID).Error; err != nil {
		return fmt.Errorf("main account %d: %w", mainAccountID, err)
	}

	var assets []models.Asset
	if err := database.DB.
		Where("main_account_id = ? AND status = ?", mainAccountID, models.AssetPublished).
		Find(&assets).Error; err != nil {
		return fmt.Errorf("loading published assets: %w", err)
	}
	if len(assets) == 0 {
		log.Printf("ReconciliationScanner: account %d has no published assets, nothing to do", mainAccountID)
		return nil
	}

	backups, err := backupAccountsFor(mainAccountID)
	if err != nil {
		return fmt.Errorf("loading backup accounts: %w", err)
	}

	cache := newReconcileCache(s.cfg, s.lock, s.proxies, &mainAcct)
	defer cache.cleanup()

	var missingTotal, repairedTotal int
	for i := range backups {
		missing, repaired := s.scanBackup(&backups[i], assets, cache)
		missingTotal += missing
		repairedTotal += repaired
	}

	log.Printf("ReconciliationScanner: account %d scan finished: %d missing, %d repaired across %d backups",
		mainAccountID, missingTotal, repairedTotal, len(backups))
	if missingTotal > repairedTotal {
		NotifyWarning("Reconciliation incomplete",
			fmt.Sprintf("%d of %d missing replicas could not be repaired for account %s",
				missingTotal-repairedTotal, missingTotal, mainAcct.Alias),
			"account", mainAcct.ID)
	}
	return nil
}

// scanBackup handles one backup account in three steps: one listing in a
// short session, source staging with no session held (a fetch from main
// opens a session of its own), then a second session for the repair
// uploads. The session lock is not reentrant, so the fetch must never run
// inside a backup session.
func (s *ReconciliationScanner) scanBackup(backup *models.StorageAccount, assets []models.Asset, cache *reconcileCache) (missing, repaired int) {
	present, err := s.listBackup(backup)
	if err != nil {
		log.Printf("ReconciliationScanner: scan of backup %s aborted: %v", backup.Alias, err)
		NotifyError("Reconciliation scan failed",
			fmt.Sprintf("Scanning backup account %s failed: %v", backup.Alias, err),
			"account", backup.ID)
		return 0, 0
	}
	onRemote := make(map[string]bool, len(present))
	for _, path := range present {
		onRemote[path] = true
	}

	var toRepair []*models.Asset
	for i := range assets {
		asset := &assets[i]
		expected := asset.RemoteFile(backup.BasePath)

		if onRemote[expected] {
			if err := UpsertCompletedReplica(asset.ID, backup.ID, asset.RemoteFolder(backup.BasePath), ""); err != nil {
				log.Printf("ReconciliationScanner: recording present replica (asset %d, backup %d): %v", asset.ID, backup.ID, err)
			}
			continue
		}

		missing++
		if err := UpsertPendingReplica(asset.ID, backup.ID); err != nil {
			log.Printf("ReconciliationScanner: pending upsert (asset %d, backup %d): %v", asset.ID, backup.ID, err)
			continue
		}
		toRepair = append(toRepair, asset)
	}
	if len(toRepair) == 0 {
		return missing, 0
	}

	sources := make(map[uint]string, len(toRepair))
	for _, asset := range toRepair {
		source, err := cache.sourceFor(asset)
		if err != nil {
			var rep models.Replica
			if database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error == nil {
				markReplicaFailed(&rep, fmt.Sprintf("no source available: %v", err))
			}
			log.Printf("ReconciliationScanner: no source for %s: %v", asset.Slug, err)
			continue
		}
		sources[asset.ID] = source
	}
	if len(sources) == 0 {
		return missing, 0
	}

	label := fmt.Sprintf("reconcile-repair-%d", backup.ID)
	err = s.lock.WithExclusiveSession(label, func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, s.proxies, backup); err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("ReconciliationScanner: logout from %s failed (ignored): %v", backup.Alias, err)
			}
		}()

		guard := holdUploadsActive()
		defer guard.Stop()

		for _, asset := range toRepair {
			source, ok := sources[asset.ID]
			if !ok {
				continue
			}
			if err := s.repairOne(ctx, client, backup, asset, source); err != nil {
				log.Printf("ReconciliationScanner: repairing %s on %s failed: %v", asset.Slug, backup.Alias, err)
				continue
			}
			repaired++
		}
		return nil
	})
	if err != nil {
		log.Printf("ReconciliationScanner: repair pass on backup %s aborted: %v", backup.Alias, err)
		NotifyError("Reconciliation scan failed",
			fmt.Sprintf("Repairing backup account %s failed: %v", backup.Alias, err),
			"account", backup.ID)
	}
	return missing, repaired
}

// listBackup takes a single Find listing of the backup's base path
func (s *ReconciliationScanner) listBackup(backup *models.StorageAccount) ([]string, error) {
	var present []string
	err := s.lock.WithExclusiveSession(fmt.Sprintf("reconcile-scan-%d", backup.ID), func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, s.proxies, backup); err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("ReconciliationScanner: logout from %s failed (ignored): %v", backup.Alias, err)
			}
		}()

		paths, err := client.Find(ctx, backup.BasePath, "f")
		if err != nil {
			return fmt.Errorf("listing %s on %s: %w", backup.BasePath, backup.Alias, err)
		}
		present = paths
		return nil
	})
	return present, err
}

func (s *ReconciliationScanner) repairOne(ctx context.Context, client *megacli.Client, backup *models.StorageAccount, asset *models.Asset, source string) error {
	var rep models.Replica
	if err := database.DB.Where("asset_id = ? AND backup_account_id = ?", asset.ID, backup.ID).First(&rep).Error; err != nil {
		return err
	}
	markReplicaProcessing(&rep)

	folder := asset.RemoteFolder(backup.BasePath)
	if err := client.MkdirP(ctx, folder); err != nil {
		markReplicaFailed(&rep, err.Error())
		return err
	}
	if err := client.Put(ctx, source, folder+"/", func(pct float64) {
		database.SetTransferProgress(database.TransferProgress{
			AssetID: asset.ID, AccountID: backup.ID, Operation: "reconcile", Percent: pct,
		})
	}); err != nil {
		markReplicaFailed(&rep, err.Error())
		return err
	}
	link, err := client.Export(ctx, folder)
	if err != nil {
		// The file is up; a missing link is not worth failing the repair
		log.Printf("ReconciliationScanner: export for %s on %s failed (link left empty): %v", asset.Slug, backup.Alias, err)
		link = ""
	}
	markReplicaCompleted(&rep, folder, link)
	return nil
}

// reconcileCache hands out a local source file per asset: the original
// local archive when it still exists, otherwise one download from the
// main account per scan, kept in a scoped cache directory.
type reconcileCache struct {
	cfg      *config.Config
	lock     *SessionLock
	proxies  *ProxySelector
	mainAcct *models.StorageAccount

	dir        string
	downloaded map[uint]string
	failed     map[uint]error
}

func newReconcileCache(cfg *config.Config, lock *SessionLock, proxies *ProxySelector, mainAcct *models.StorageAccount) *reconcileCache {
	return &reconcileCache{
		cfg:        cfg,
		lock:       lock,
		proxies:    proxies,
		mainAcct:   mainAcct,
		downloaded: make(map[uint]string),
		failed:     make(map[uint]error),
	}
}

func (c *reconcileCache) sourceFor(asset *models.Asset) (string, error) {
	if asset.LocalPath != "" {
		if _, err := os.Stat(asset.LocalPath); err == nil {
			return asset.LocalPath, nil
		}
	}
	if path, ok := c.downloaded[asset.ID]; ok {
		return path, nil
	}
	if err, ok := c.failed[asset.ID]; ok {
		return "", err
	}

	path, err := c.download(asset)
	if err != nil {
		c.failed[asset.ID] = err
		return "", err
	}
	c.downloaded[asset.ID] = path
	return path, nil
}

// download pulls the asset archive from the main account in a session of
// its own. Happens at most once per asset per scan.
func (c *reconcileCache) download(asset *models.Asset) (string, error) {
	if c.dir == "" {
		dir := filepath.Join(c.cfg.ReconcileCacheDir, fmt.Sprintf("scan-%d", time.Now().Unix()))
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return "", fmt.Errorf("creating reconcile cache dir: %w", err)
		}
		c.dir = dir
	}

	local := filepath.Join(c.dir, asset.ArchiveName)
	remote := asset.RemoteFile(c.mainAcct.BasePath)

	label := fmt.Sprintf("reconcile-fetch-%d", asset.ID)
	err := c.lock.WithExclusiveSession(label, func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, c.proxies, c.mainAcct); err != nil {
			return err
		}
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("ReconciliationScanner: logout after fetch failed (ignored): %v", err)
			}
		}()
		return client.Get(ctx, remote, local, func(pct float64) {
			database.SetTransferProgress(database.TransferProgress{
				AssetID: asset.ID, AccountID: c.mainAcct.ID, Operation: "download", Percent: pct,
			})
		})
	})
	if err != nil {
		os.Remove(local)
		var stall *megacli.StallError
		if errors.As(err, &stall) {
			c.proxies.Rotate(c.mainAcct.Role)
		}
		return "", fmt.Errorf("fetching %s from main: %w", asset.Slug, err)
	}
	return local, nil
}

// cleanup removes the scan's cache directory once nothing still needs it
func (c *reconcileCache) cleanup() {
	if c.dir == "" {
		return
	}
	if err := os.RemoveAll(c.dir); err != nil {
		log.Printf("ReconciliationScanner: removing cache dir %s failed (ignored): %v", c.dir, err)
	}
}
