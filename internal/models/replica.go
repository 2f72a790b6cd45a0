package models

import (
	"time"
)

// ReplicaStatus tracks one asset copy on one backup account
type ReplicaStatus string

const (
	ReplicaPending    ReplicaStatus = "PENDING"
	ReplicaProcessing ReplicaStatus = "PROCESSING"
	ReplicaCompleted  ReplicaStatus = "COMPLETED"
	ReplicaFailed     ReplicaStatus = "FAILED"
)

// Replica is the durable ledger row for one (asset, backup account) pair.
// PENDING rows are the contract for "replication owed". The pair is unique;
// re-runs upsert instead of inserting, so repeated reconciliation converges.
type Replica struct {
	ID              uint          `gorm:"column:id;primaryKey" json:"id"`
	AssetID         uint          `gorm:"column:asset_id;not null;uniqueIndex:idx_asset_backup" json:"asset_id"`
	BackupAccountID uint          `gorm:"column:backup_account_id;not null;uniqueIndex:idx_asset_backup" json:"backup_account_id"`
	Status          ReplicaStatus `gorm:"column:status;size:20;default:PENDING;index" json:"status"`
	RemotePath      string        `gorm:"column:remote_path;size:500" json:"remote_path"`
	PublicLink      string        `gorm:"column:public_link;size:500" json:"public_link"`
	StartedAt       *time.Time    `gorm:"column:started_at" json:"started_at"`
	FinishedAt      *time.Time    `gorm:"column:finished_at" json:"finished_at"`
	ErrorMessage    string        `gorm:"column:error_message;size:500" json:"error_message"`
	CreatedAt       time.Time     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for Replica
func (Replica) TableName() string {
	return "replicas"
}
