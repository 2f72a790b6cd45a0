package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/models"
)

// Batch phases, exposed through the status endpoint
const (
	PhaseIdle       = "idle"
	PhaseDebouncing = "debouncing"
	PhaseMain       = "main-phase"
	PhaseBackup     = "backup-phase"
)

// BatchOrchestrator drives the per-main-account upload state machine:
// idle → debouncing → main-phase → backup-phase → idle. Each main account
// owns its machine; machines contend for the shared session through the
// session lock. Machine state is volatile and rebuilt from the Asset and
// Replica tables on restart.
type BatchOrchestrator struct {
	cfg     *config.Config
	lock    *SessionLock
	proxies *ProxySelector

	mu       sync.Mutex
	machines map[uint]*batchMachine
}

type batchMachine struct {
	accountID uint

	mu          sync.Mutex
	queue       []uint
	queued      map[uint]bool
	running     bool
	phase       string
	lastArrival time.Time
	quietHold   bool
	cutOver     bool
}

func NewBatchOrchestrator(cfg *config.Config, lock *SessionLock, proxies *ProxySelector) *BatchOrchestrator {
	return &BatchOrchestrator{
		cfg:      cfg,
		lock:     lock,
		proxies:  proxies,
		machines: make(map[uint]*batchMachine),
	}
}

func (o *BatchOrchestrator) machine(accountID uint) *batchMachine {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.machines[accountID]
	if !ok {
		m = &batchMachine{accountID: accountID, queued: make(map[uint]bool)}
		o.machines[accountID] = m
	}
	return m
}

// Enqueue adds an asset to its main account's pending set and starts the
// machine if it is idle. Bursts are coalesced by the debounce window.
func (o *BatchOrchestrator) Enqueue(assetID uint) error {
	var asset models.Asset
	if err := database.DB.First(&asset, assetID).Error; err != nil {
		return fmt.Errorf("asset %d: %w", assetID, err)
	}

	m := o.machine(asset.MainAccountID)
	m.mu.Lock()
	if !m.queued[assetID] {
		m.queue = append(m.queue, assetID)
		m.queued[assetID] = true
	}
	m.lastArrival = time.Now()
	start := !m.running
	if start {
		m.running = true
	}
	m.mu.Unlock()

	log.Printf("BatchOrchestrator: asset %d enqueued on account %d (start=%v)", assetID, asset.MainAccountID, start)
	if start {
		go o.run(m)
	}
	return nil
}

// RequestCutOver skips the remainder of the main phase for an account.
// In-flight work finishes; not-yet-started items are marked FAILED so they
// can be re-enqueued later.
func (o *BatchOrchestrator) RequestCutOver(accountID uint) {
	m := o.machine(accountID)
	m.mu.Lock()
	m.cutOver = true
	m.mu.Unlock()
	log.Printf("BatchOrchestrator: cut-over requested for account %d", accountID)
}

// SetQuietHold keeps the batch open past the quiet period while an
// external staging process is still producing assets for this account.
func (o *BatchOrchestrator) SetQuietHold(accountID uint, hold bool) {
	m := o.machine(accountID)
	m.mu.Lock()
	m.quietHold = hold
	m.mu.Unlock()
	log.Printf("BatchOrchestrator: quiet hold for account %d set to %v", accountID, hold)
}

// Status reports the machine's phase and pending count for an account
func (o *BatchOrchestrator) Status(accountID uint) (phase string, pending int, running bool) {
	m := o.machine(accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	phase = m.phase
	if phase == "" {
		phase = PhaseIdle
	}
	return phase, len(m.queue), m.running
}

// RecoverPending re-enqueues assets that were mid-flight when the process
// last stopped. Machine state is never persisted; the ledger is the source
// of truth.
func (o *BatchOrchestrator) RecoverPending() {
	var assets []models.Asset
	if err := database.DB.Where("status = ?", models.AssetProcessing).Find(&assets).Error; err != nil {
		log.Printf("BatchOrchestrator: recovery scan failed: %v", err)
		return
	}
	for _, asset := range assets {
		if err := o.Enqueue(asset.ID); err != nil {
			log.Printf("BatchOrchestrator: failed to recover asset %d: %v", asset.ID, err)
		}
	}
	if len(assets) > 0 {
		log.Printf("BatchOrchestrator: recovered %d in-flight assets", len(assets))
	}
}

func (m *batchMachine) setPhase(phase string) {
	m.mu.Lock()
	m.phase = phase
	m.mu.Unlock()
}

func (m *batchMachine) drain() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.queue
	m.queue = nil
	for _, id := range batch {
		delete(m.queued, id)
	}
	return batch
}

func (m *batchMachine) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *batchMachine) cutOverRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cutOver
}

func (m *batchMachine) quietHoldActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quietHold
}

func (o *BatchOrchestrator) run(m *batchMachine) {
	defer func() {
		m.mu.Lock()
		hasMore := len(m.queue) > 0
		m.running = hasMore
		m.phase = ""
		m.cutOver = false
		m.mu.Unlock()
		if hasMore {
			log.Printf("BatchOrchestrator: account %d received work mid-run, restarting", m.accountID)
			go o.run(m)
		}
	}()

	o.debounce(m)

	var acct models.StorageAccount
	if err := database.DB.First(&acct, m.accountID).Error; err != nil {
		o.failAssets(m.drain(), fmt.Sprintf("main account %d unavailable: %v", m.accountID, err))
		return
	}
	if acct.Suspended {
		o.failAssets(m.drain(), fmt.Sprintf("main account %s is suspended", acct.Alias))
		return
	}

	uploaded := o.runMainPhase(m, &acct)
	o.runBackupPhase(m, &acct, uploaded)
	o.cleanupLocal(&acct, uploaded)
}

// debounce coalesces bursts of enqueues into one login/logout cycle. It is
// a soft optimization, never a correctness gate: the hard cap starts the
// phase even when the pending count is below the minimum threshold.
func (o *BatchOrchestrator) debounce(m *batchMachine) {
	m.setPhase(PhaseDebouncing)
	deadline := time.Now().Add(o.cfg.DebounceMaxWait)
	for {
		m.mu.Lock()
		quietFor := time.Since(m.lastArrival)
		pending := len(m.queue)
		m.mu.Unlock()

		if pending >= o.cfg.DebounceMinPending {
			return
		}
		if quietFor >= o.cfg.DebounceQuietGap {
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}

func (o *BatchOrchestrator) runMainPhase(m *batchMachine, acct *models.StorageAccount) []uint {
	m.setPhase(PhaseMain)
	var uploaded []uint

	label := fmt.Sprintf("batch-main-%d", m.accountID)
	err := o.lock.WithExclusiveSession(label, func(client *megacli.Client) error {
		ctx := context.Background()
		if err := loginAccount(ctx, o.proxies, acct); err != nil {
			return err
		}
		guard := holdUploadsActive()
		defer guard.Stop()
		defer func() {
			if err := client.Logout(ctx); err != nil {
				log.Printf("BatchOrchestrator: logout after main phase failed (ignored): %v", err)
			}
		}()

		for {
			batch := m.drain()
			if len(batch) == 0 {
				if m.cutOverRequested() {
					return nil
				}
				if o.waitQuiet(m) {
					continue // more work arrived during the quiet period
				}
				return nil
			}

			for i, assetID := range batch {
				if m.cutOverRequested() {
					rest := append([]uint{}, batch[i:]...)
					rest = append(rest, m.drain()...)
					o.failAssets(rest, "discarded by cut-over request")
					log.Printf("BatchOrchestrator: cut-over discarded %d unstarted items on account %d", len(rest), m.accountID)
					return nil
				}
				if err := o.uploadOne(ctx, client, acct, assetID); err == nil {
					uploaded = append(uploaded, assetID)
				}
			}
		}
	})
	if err != nil {
		o.failAssets(m.drain(), err.Error())
		NotifyError("Batch upload failed",
			fmt.Sprintf("Main phase for account %s aborted: %v", acct.Alias, err),
			"account", acct.ID)
	}
	return uploaded
}

// waitQuiet holds the main phase open for late arrivals. Returns true when
// new work arrived and the caller should drain again; false when the phase
// should commit to backups. A quiet hold extends the wait indefinitely.
func (o *BatchOrchestrator) waitQuiet(m *batchMachine) bool {
	deadline := time.Now().Add(o.cfg.BackupQuietPeriod)
	for {
		if m.cutOverRequested() {
			return false
		}
		if m.pendingCount() > 0 {
			return true
		}
		if time.Now().After(deadline) && !m.quietHoldActive() {
			return false
		}
		time.Sleep(o.cfg.BackupQuietPoll)
	}
}

func (o *BatchOrchestrator) uploadOne(ctx context.Context, client *megacli.Client, acct *models.StorageAccount, assetID uint) error {
	var asset models.Asset
	if err := database.DB.First(&asset, assetID).Error; err != nil {
		log.Printf("BatchOrchestrator: asset %d disappeared before upload: %v", assetID, err)
		return err
	}

	database.DB.Model(&asset).Updates(map[string]interface{}{
		"status":        models.AssetProcessing,
		"error_message": "",
	})

	folder := asset.RemoteFolder(acct.BasePath)
	var link string
	attempt := func() error {
		if err := client.MkdirP(ctx, folder); err != nil {
			return err
		}
		if err := client.Put(ctx, asset.LocalPath, folder+"/", func(pct float64) {
			database.SetTransferProgress(database.TransferProgress{
				AssetID: asset.ID, AccountID: acct.ID, Operation: "upload", Percent: pct,
			})
		}); err != nil {
			return err
		}
		var err error
		link, err = client.Export(ctx, folder)
		return err
	}

	err := attempt()
	if errors.Is(err, megacli.ErrNotLoggedIn) {
		// Session lost mid-phase: one re-login, then retry the same item
		log.Printf("BatchOrchestrator: session lost during asset %d, re-logging in", asset.ID)
		if lerr := loginAccount(ctx, o.proxies, acct); lerr == nil {
			err = attempt()
		}
	}

	if err != nil {
		msg := err.Error()
		if len(msg) > 500 {
			msg = msg[:500]
		}
		database.DB.Model(&asset).Updates(map[string]interface{}{
			"status":        models.AssetFailed,
			"error_message": msg,
		})
		NotifyError("Asset upload failed",
			fmt.Sprintf("Uploading %s to %s failed: %v", asset.Slug, acct.Alias, err),
			"asset", asset.ID)
		return err
	}

	database.DB.Model(&asset).Updates(map[string]interface{}{
		"status":        models.AssetPublished,
		"public_link":   link,
		"error_message": "",
	})
	log.Printf("BatchOrchestrator: asset %s published on %s", asset.Slug, acct.Alias)
	return nil
}

func (o *BatchOrchestrator) runBackupPhase(m *batchMachine, mainAcct *models.StorageAccount, uploaded []uint) {
	if len(uploaded) == 0 {
		return
	}
	m.setPhase(PhaseBackup)

	backups, err := backupAccountsFor(mainAcct.ID)
	if err != nil {
		log.Printf("BatchOrchestrator: loading backup accounts for %d failed: %v", mainAcct.ID, err)
		return
	}
	if len(backups) == 0 {
		return
	}

	label := fmt.Sprintf("batch-backup-%d", m.accountID)
	err = o.lock.WithExclusiveSession(label, func(client *megacli.Client) error {
		ctx := context.Background()
		guard := holdUploadsActive()
		defer guard.Stop()

		for i := range backups {
			backup := &backups[i]

			// The PENDING rows are the contract for "replication owed";
			// create them before touching the session so a crash here
			// still leaves reconciliation something to converge on.
			for _, assetID := range uploaded {
				if err := UpsertPendingReplica(assetID, backup.ID); err != nil {
					log.Printf("BatchOrchestrator: pending replica upsert failed (asset %d, backup %d): %v", assetID, backup.ID, err)
				}
			}

			if err := loginAccount(ctx, o.proxies, backup); err != nil {
				NotifyError("Backup login failed",
					fmt.Sprintf("Cannot log into backup account %s: %v", backup.Alias, err),
					"account", backup.ID)
				continue
			}

			for _, assetID := range uploaded {
				o.replicateOne(ctx, client, backup, assetID)
			}

			if err := client.Logout(ctx); err != nil {
				log.Printf("BatchOrchestrator: logout from backup %s failed (ignored): %v", backup.Alias, err)
			}
		}
		return nil
	})
	if err != nil {
		NotifyError("Backup phase failed",
			fmt.Sprintf("Backup phase for account %s aborted: %v", mainAcct.Alias, err),
			"account", mainAcct.ID)
	}
}

func (o *BatchOrchestrator) replicateOne(ctx context.Context, client *megacli.Client, backup *models.StorageAccount, assetID uint) {
	var rep models.Replica
	if err := database.DB.Where("asset_id = ? AND backup_account_id = ?", assetID, backup.ID).First(&rep).Error; err != nil {
		log.Printf("BatchOrchestrator: replica row missing (asset %d, backup %d): %v", assetID, backup.ID, err)
		return
	}
	if rep.Status == models.ReplicaCompleted {
		return
	}

	var asset models.Asset
	if err := database.DB.First(&asset, assetID).Error; err != nil {
		markReplicaFailed(&rep, fmt.Sprintf("asset missing: %v", err))
		return
	}
	if asset.LocalPath == "" {
		markReplicaFailed(&rep, "no local archive to replicate from")
		return
	}
	if _, err := os.Stat(asset.LocalPath); err != nil {
		markReplicaFailed(&rep, fmt.Sprintf("local archive unavailable: %v", err))
		return
	}

	markReplicaProcessing(&rep)
	folder := asset.RemoteFolder(backup.BasePath)

	attempt := func() (string, error) {
		if err := client.MkdirP(ctx, folder); err != nil {
			return "", err
		}
		if err := client.Put(ctx, asset.LocalPath, folder+"/", func(pct float64) {
			database.SetTransferProgress(database.TransferProgress{
				AssetID: asset.ID, AccountID: backup.ID, Operation: "replicate", Percent: pct,
			})
		}); err != nil {
			return "", err
		}
		return client.Export(ctx, folder)
	}

	link, err := attempt()
	if errors.Is(err, megacli.ErrNotLoggedIn) {
		log.Printf("BatchOrchestrator: session lost replicating asset %d, re-logging in", asset.ID)
		if lerr := loginAccount(ctx, o.proxies, backup); lerr == nil {
			link, err = attempt()
		}
	}

	if err != nil {
		markReplicaFailed(&rep, err.Error())
		NotifyError("Replication failed",
			fmt.Sprintf("Replicating %s to %s failed: %v", asset.Slug, backup.Alias, err),
			"replica", rep.ID)
		return
	}

	markReplicaCompleted(&rep, folder, link)
	log.Printf("BatchOrchestrator: asset %s replicated to %s", asset.Slug, backup.Alias)
}

// cleanupLocal deletes local archives once every linked backup holds a
// COMPLETED replica. Best-effort by contract; failures are only logged.
func (o *BatchOrchestrator) cleanupLocal(acct *models.StorageAccount, uploaded []uint) {
	if !o.cfg.DeleteAfterReplica {
		return
	}
	for _, assetID := range uploaded {
		var asset models.Asset
		if err := database.DB.First(&asset, assetID).Error; err != nil {
			continue
		}
		if asset.LocalPath == "" || !fullyReplicated(assetID, acct.ID) {
			continue
		}
		if err := os.Remove(asset.LocalPath); err != nil && !os.IsNotExist(err) {
			log.Printf("BatchOrchestrator: deleting local archive for %s failed (ignored): %v", asset.Slug, err)
			continue
		}
		database.DB.Model(&asset).Update("local_path", "")
		log.Printf("BatchOrchestrator: local archive for %s deleted after full replication", asset.Slug)
	}
}

func (o *BatchOrchestrator) failAssets(assetIDs []uint, reason string) {
	if len(assetIDs) == 0 {
		return
	}
	if len(reason) > 500 {
		reason = reason[:500]
	}
	if err := database.DB.Model(&models.Asset{}).
		Where("id IN ?", assetIDs).
		Updates(map[string]interface{}{
			"status":        models.AssetFailed,
			"error_message": reason,
		}).Error; err != nil {
		log.Printf("BatchOrchestrator: marking %d assets failed: %v", len(assetIDs), err)
	}
}
