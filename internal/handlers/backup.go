package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/middleware"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/services"
)

// BackupHandler manages ledger-database backup schedules and runs
type BackupHandler struct {
	service *services.LedgerBackupService
}

func NewBackupHandler(service *services.LedgerBackupService) *BackupHandler {
	return &BackupHandler{service: service}
}

// ListSchedules returns all backup schedules
func (h *BackupHandler) ListSchedules(c *fiber.Ctx) error {
	var schedules []models.BackupSchedule
	if err := database.DB.Order("id asc").Find(&schedules).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load schedules",
		})
	}

	return c.JSON(fiber.Map{
		"success":   true,
		"schedules": schedules,
	})
}

// CreateSchedule adds a backup schedule
func (h *BackupHandler) CreateSchedule(c *fiber.Ctx) error {
	var schedule models.BackupSchedule
	if err := c.BodyParser(&schedule); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if schedule.Name == "" || schedule.Frequency == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Name and frequency are required",
		})
	}

	next := services.CalculateNextRunForSchedule(&schedule)
	schedule.NextRunAt = &next

	if err := database.DB.Create(&schedule).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create schedule",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":  true,
		"schedule": schedule,
	})
}

// UpdateSchedule edits a backup schedule
func (h *BackupHandler) UpdateSchedule(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid schedule ID",
		})
	}

	var schedule models.BackupSchedule
	if err := database.DB.First(&schedule, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Schedule not found",
		})
	}

	var updated models.BackupSchedule
	if err := c.BodyParser(&updated); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	updated.ID = schedule.ID

	next := services.CalculateNextRunForSchedule(&updated)
	updated.NextRunAt = &next

	if err := database.DB.Save(&updated).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to update schedule",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"schedule": updated,
	})
}

// DeleteSchedule removes a backup schedule
func (h *BackupHandler) DeleteSchedule(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid schedule ID",
		})
	}

	if err := database.DB.Delete(&models.BackupSchedule{}, id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete schedule",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Schedule deleted",
	})
}

// RunNow triggers an immediate manual backup
func (h *BackupHandler) RunNow(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	var username string
	var userID uint
	if user != nil {
		username = user.Username
		userID = user.ID
	}

	var ftpConfig *models.BackupSchedule
	scheduleID, _ := strconv.Atoi(c.Query("schedule_id", "0"))
	if scheduleID > 0 {
		var schedule models.BackupSchedule
		if err := database.DB.First(&schedule, scheduleID).Error; err == nil {
			ftpConfig = &schedule
		}
	}

	backupLog, err := h.service.RunManualBackup(ftpConfig, userID, username)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Backup failed: " + err.Error(),
			"log":     backupLog,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"log":     backupLog,
	})
}

// ListLogs returns recent backup execution logs
func (h *BackupHandler) ListLogs(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var logs []models.BackupLog
	if err := database.DB.Order("id desc").Limit(limit).Find(&logs).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load backup logs",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"logs":    logs,
	})
}

// TestFTP validates FTP settings before a schedule is saved
func (h *BackupHandler) TestFTP(c *fiber.Ctx) error {
	var req struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username"`
		Password string `json:"password"`
		Path     string `json:"path"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Port == 0 {
		req.Port = 21
	}

	if err := services.TestFTPConnection(req.Host, req.Port, req.Username, req.Password, req.Path); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "FTP connection successful",
	})
}
