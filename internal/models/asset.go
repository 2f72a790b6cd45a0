package models

import (
	"time"

	"gorm.io/gorm"
)

// AssetStatus tracks the publish lifecycle of an asset archive
type AssetStatus string

const (
	AssetDraft      AssetStatus = "DRAFT"
	AssetProcessing AssetStatus = "PROCESSING"
	AssetPublished  AssetStatus = "PUBLISHED"
	AssetFailed     AssetStatus = "FAILED"
)

// Asset represents one downloadable archive sold on the panel. Status
// transitions are driven exclusively by the replication services; handlers
// only register assets and re-enqueue FAILED ones.
type Asset struct {
	ID            uint        `gorm:"column:id;primaryKey" json:"id"`
	Slug          string      `gorm:"column:slug;size:150;not null;uniqueIndex" json:"slug"`
	Title         string      `gorm:"column:title;size:255" json:"title"`
	MainAccountID uint        `gorm:"column:main_account_id;not null;index" json:"main_account_id"`
	ArchiveName   string      `gorm:"column:archive_name;size:255;not null" json:"archive_name"`
	ArchiveSize   int64       `gorm:"column:archive_size;default:0" json:"archive_size"`
	LocalPath     string      `gorm:"column:local_path;size:500" json:"local_path"`
	Status        AssetStatus `gorm:"column:status;size:20;default:DRAFT;index" json:"status"`
	PublicLink    *string     `gorm:"column:public_link;size:500" json:"public_link"`
	ErrorMessage  string      `gorm:"column:error_message;size:500" json:"error_message"`

	CreatedAt time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time      `gorm:"column:updated_at" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

// RemoteFolder is the folder an asset occupies on any account it lives on
func (a *Asset) RemoteFolder(basePath string) string {
	return basePath + "/" + a.Slug
}

// RemoteFile is the full remote path of the asset archive
func (a *Asset) RemoteFile(basePath string) string {
	return a.RemoteFolder(basePath) + "/" + a.ArchiveName
}

// TableName specifies the table name for Asset
func (Asset) TableName() string {
	return "assets"
}
