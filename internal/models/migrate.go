package models

import (
	"log"

	"gorm.io/gorm"
)

// SystemPreference represents system-wide preferences
type SystemPreference struct {
	ID        uint   `gorm:"column:id;primaryKey" json:"id"`
	Key       string `gorm:"column:key;size:100;uniqueIndex;not null" json:"key"`
	Value     string `gorm:"column:value;type:text" json:"value"`
	ValueType string `gorm:"column:value_type;size:20;default:string" json:"value_type"` // string, int, bool, json
}

func (SystemPreference) TableName() string {
	return "system_preferences"
}

// AutoMigrate runs database migrations
func AutoMigrate(db *gorm.DB) error {
	log.Println("Running database migrations...")

	if err := db.AutoMigrate(
		&User{},
		&SystemPreference{},
		&StorageAccount{},
		&MainBackupLink{},
		&Asset{},
		&Replica{},
		&AdminNotification{},
		&AuditLog{},
		&BackupSchedule{},
		&BackupLog{},
	); err != nil {
		return err
	}

	log.Println("Database migrations completed successfully")
	return nil
}
