package services

import (
	"log"

	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
)

// notify records an admin-visible notification. Replication failures are
// surfaced this way instead of aborting the whole batch; a FAILED asset or
// replica is safe to re-enqueue once the cause is fixed.
func notify(level models.NotificationLevel, title, message, entityType string, entityID uint) {
	n := models.AdminNotification{
		Level:      level,
		Title:      title,
		Message:    message,
		EntityType: entityType,
		EntityID:   entityID,
	}
	if err := database.DB.Create(&n).Error; err != nil {
		log.Printf("Notifier: failed to record notification %q: %v", title, err)
	}
}

// NotifyError records an error-level admin notification
func NotifyError(title, message, entityType string, entityID uint) {
	notify(models.NotifyError, title, message, entityType, entityID)
}

// NotifyWarning records a warning-level admin notification
func NotifyWarning(title, message, entityType string, entityID uint) {
	notify(models.NotifyWarning, title, message, entityType, entityID)
}

// NotifyInfo records an info-level admin notification
func NotifyInfo(title, message, entityType string, entityID uint) {
	notify(models.NotifyInfo, title, message, entityType, entityID)
}
