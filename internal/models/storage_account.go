package models

import (
	"time"

	"gorm.io/gorm"
)

// AccountRole distinguishes primary publishing accounts from redundancy accounts
type AccountRole string

const (
	RoleMain   AccountRole = "main"
	RoleBackup AccountRole = "backup"
)

// AccountStatus is the last observed health of a storage account
type AccountStatus string

const (
	AccountConnected AccountStatus = "CONNECTED"
	AccountError     AccountStatus = "ERROR"
)

// StorageAccount represents one MEGA account the panel publishes to or
// replicates into. Credentials are stored encrypted (AES-256-GCM); the
// plaintext only ever exists in memory for the duration of a login.
type StorageAccount struct {
	ID    uint        `gorm:"column:id;primaryKey" json:"id"`
	Role  AccountRole `gorm:"column:role;size:10;not null;index" json:"role"` // main, backup
	Alias string      `gorm:"column:alias;size:100;not null" json:"alias"`
	Email string      `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`

	// Encrypted credential material (hex encoded)
	CredentialBlob string `gorm:"column:credential_blob;type:text" json:"-"`
	CredentialIV   string `gorm:"column:credential_iv;size:64" json:"-"`
	CredentialTag  string `gorm:"column:credential_tag;size:64" json:"-"`

	BasePath  string `gorm:"column:base_path;size:255;default:/vault" json:"base_path"`
	Suspended bool   `gorm:"column:suspended;default:false" json:"suspended"`

	// Usage metrics, mutated only after a successful probe
	UsedBytes   int64 `gorm:"column:used_bytes;default:0" json:"used_bytes"`
	TotalBytes  int64 `gorm:"column:total_bytes;default:0" json:"total_bytes"`
	FileCount   int   `gorm:"column:file_count;default:0" json:"file_count"`
	FolderCount int   `gorm:"column:folder_count;default:0" json:"folder_count"`

	LastCheckAt *time.Time    `gorm:"column:last_check_at" json:"last_check_at"`
	Status      AccountStatus `gorm:"column:status;size:20;default:CONNECTED" json:"status"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// MainBackupLink assigns a backup account to a main account. One main may
// have N backups; the pair is unique and an account never backs itself up.
type MainBackupLink struct {
	ID              uint      `gorm:"column:id;primaryKey" json:"id"`
	MainAccountID   uint      `gorm:"column:main_account_id;not null;uniqueIndex:idx_main_backup" json:"main_account_id"`
	BackupAccountID uint      `gorm:"column:backup_account_id;not null;uniqueIndex:idx_main_backup" json:"backup_account_id"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for StorageAccount
func (StorageAccount) TableName() string {
	return "storage_accounts"
}

// TableName specifies the table name for MainBackupLink
func (MainBackupLink) TableName() string {
	return "main_backup_links"
}
