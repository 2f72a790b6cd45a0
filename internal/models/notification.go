package models

import (
	"time"
)

// NotificationLevel classifies admin notifications
type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// AdminNotification is the admin-visible record surfaced when replication
// work fails without aborting the whole batch. An asset stuck FAILED is safe
// to re-enqueue after the underlying cause is fixed.
type AdminNotification struct {
	ID         uint              `gorm:"column:id;primaryKey" json:"id"`
	Level      NotificationLevel `gorm:"column:level;size:20;default:info" json:"level"`
	Title      string            `gorm:"column:title;size:255;not null" json:"title"`
	Message    string            `gorm:"column:message;type:text" json:"message"`
	EntityType string            `gorm:"column:entity_type;size:50;index" json:"entity_type"` // asset, replica, account
	EntityID   uint              `gorm:"column:entity_id;index" json:"entity_id"`
	IsRead     bool              `gorm:"column:is_read;default:false;index" json:"is_read"`
	CreatedAt  time.Time         `gorm:"column:created_at" json:"created_at"`
}

// TableName specifies the table name for AdminNotification
func (AdminNotification) TableName() string {
	return "admin_notifications"
}
