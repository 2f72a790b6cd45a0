package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
)

type AuditHandler struct{}

func NewAuditHandler() *AuditHandler {
	return &AuditHandler{}
}

// List returns audit log entries, newest first, with optional filters
func (h *AuditHandler) List(c *fiber.Ctx) error {
	query := database.DB.Model(&models.AuditLog{})
	if action := c.Query("action"); action != "" {
		query = query.Where("action = ?", action)
	}
	if entityType := c.Query("entity_type"); entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}
	if username := c.Query("username"); username != "" {
		query = query.Where("username = ?", username)
	}

	page, _ := strconv.Atoi(c.Query("page", "1"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(c.Query("per_page", "50"))
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}

	var total int64
	query.Count(&total)

	var logs []models.AuditLog
	if err := query.Order("id desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load audit logs",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"logs":    logs,
		"total":   total,
		"page":    page,
	})
}
