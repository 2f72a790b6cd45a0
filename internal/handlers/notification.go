package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
)

type NotificationHandler struct{}

func NewNotificationHandler() *NotificationHandler {
	return &NotificationHandler{}
}

// List returns admin notifications, newest first
func (h *NotificationHandler) List(c *fiber.Ctx) error {
	query := database.DB.Model(&models.AdminNotification{})
	if c.Query("unread") == "true" {
		query = query.Where("is_read = ?", false)
	}
	if level := c.Query("level"); level != "" {
		query = query.Where("level = ?", level)
	}

	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	var unreadCount int64
	database.DB.Model(&models.AdminNotification{}).Where("is_read = ?", false).Count(&unreadCount)

	var notifications []models.AdminNotification
	if err := query.Order("id desc").Limit(limit).Find(&notifications).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load notifications",
		})
	}

	return c.JSON(fiber.Map{
		"success":       true,
		"notifications": notifications,
		"unread_count":  unreadCount,
	})
}

// MarkRead marks one notification as read
func (h *NotificationHandler) MarkRead(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid notification ID",
		})
	}

	result := database.DB.Model(&models.AdminNotification{}).
		Where("id = ?", id).
		Update("is_read", true)
	if result.Error != nil || result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Notification not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
	})
}

// MarkAllRead marks every unread notification as read
func (h *NotificationHandler) MarkAllRead(c *fiber.Ctx) error {
	if err := database.DB.Model(&models.AdminNotification{}).
		Where("is_read = ?", false).
		Update("is_read", true).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update notifications",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
	})
}
