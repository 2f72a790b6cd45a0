package services

import (
	"time"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"gorm.io/gorm/clause"
)

// Replica ledger access patterns. The (asset, backup account) pair is
// unique; every write path upserts so repeated batch runs and repeated
// reconciliation scans converge instead of duplicating rows.

// UpsertPendingReplica records that replication is owed for an asset on a
// backup account. Existing rows (any status) are left untouched, so a
// COMPLETED replica is never silently recreated.
func UpsertPendingReplica(assetID, backupAccountID uint) error {
	rep := models.Replica{
		AssetID:         assetID,
		BackupAccountID: backupAccountID,
		Status:          models.ReplicaPending,
	}
	return database.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "asset_id"}, {Name: "backup_account_id"}},
		DoNothing: true,
	}).Create(&rep).Error
}

// UpsertCompletedReplica records a replica observed (or just made) complete.
// Rows already COMPLETED are left untouched so a scan that passes an empty
// link never erases the link a batch run recorded.
func UpsertCompletedReplica(assetID, backupAccountID uint, remotePath, publicLink string) error {
	now := time.Now()
	rep := models.Replica{
		AssetID:         assetID,
		BackupAccountID: backupAccountID,
		Status:          models.ReplicaCompleted,
		RemotePath:      remotePath,
		PublicLink:      publicLink,
		FinishedAt:      &now,
	}
	return database.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "asset_id"}, {Name: "backup_account_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "remote_path", "public_link", "finished_at", "error_message", "updated_at",
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Name: "status"}, Value: models.ReplicaCompleted},
		}},
	}).Create(&rep).Error
}

func markReplicaProcessing(rep *models.Replica) {
	now := time.Now()
	database.DB.Model(rep).Updates(map[string]interface{}{
		"status":     models.ReplicaProcessing,
		"started_at": now,
	})
}

func markReplicaCompleted(rep *models.Replica, remotePath, publicLink string) {
	now := time.Now()
	database.DB.Model(rep).Updates(map[string]interface{}{
		"status":        models.ReplicaCompleted,
		"remote_path":   remotePath,
		"public_link":   publicLink,
		"finished_at":   now,
		"error_message": "",
	})
}

func markReplicaFailed(rep *models.Replica, errMsg string) {
	now := time.Now()
	if len(errMsg) > 500 {
		errMsg = errMsg[:500]
	}
	database.DB.Model(rep).Updates(map[string]interface{}{
		"status":        models.ReplicaFailed,
		"finished_at":   now,
		"error_message": errMsg,
	})
}

// fullyReplicated reports whether every linked backup account holds a
// COMPLETED replica of the asset.
func fullyReplicated(assetID, mainAccountID uint) bool {
	var linked int64
	database.DB.Model(&models.MainBackupLink{}).
		Where("main_account_id = ?", mainAccountID).
		Count(&linked)
	if linked == 0 {
		return false
	}

	var completed int64
	database.DB.Model(&models.Replica{}).
		Where("asset_id = ? AND status = ?", assetID, models.ReplicaCompleted).
		Count(&completed)
	return completed >= linked
}
