package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/security"
	"github.com/provault/backend/internal/services"
)

type StorageAccountHandler struct {
	probe *services.AccountProbe
}

func NewStorageAccountHandler(probe *services.AccountProbe) *StorageAccountHandler {
	return &StorageAccountHandler{probe: probe}
}

// CreateAccountRequest represents an account registration body
type CreateAccountRequest struct {
	Role     string `json:"role"`
	Alias    string `json:"alias"`
	Email    string `json:"email"`
	Password string `json:"password"`
	BasePath string `json:"base_path"`
}

// List returns all storage accounts, optionally filtered by role
func (h *StorageAccountHandler) List(c *fiber.Ctx) error {
	query := database.DB.Model(&models.StorageAccount{})
	if role := c.Query("role"); role != "" {
		query = query.Where("role = ?", role)
	}

	var accounts []models.StorageAccount
	if err := query.Order("id asc").Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load accounts",
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"accounts": accounts,
	})
}

// Get returns one account with its linked backups
func (h *StorageAccountHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	var acct models.StorageAccount
	if err := database.DB.First(&acct, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Account not found",
		})
	}

	var links []models.MainBackupLink
	database.DB.Where("main_account_id = ?", acct.ID).Order("created_at asc").Find(&links)

	return c.JSON(fiber.Map{
		"success": true,
		"account": acct,
		"links":   links,
	})
}

// Create registers a new storage account. The password is encrypted
// before it touches the database and never returned.
func (h *StorageAccountHandler) Create(c *fiber.Ctx) error {
	var req CreateAccountRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	role := models.AccountRole(req.Role)
	if role != models.RoleMain && role != models.RoleBackup {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Role must be main or backup",
		})
	}
	if req.Email == "" || req.Password == "" || req.Alias == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Alias, email and password are required",
		})
	}

	blob, iv, tag, err := security.EncryptCredential(req.Password)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to encrypt credentials",
		})
	}

	acct := models.StorageAccount{
		Role:           role,
		Alias:          req.Alias,
		Email:          req.Email,
		CredentialBlob: blob,
		CredentialIV:   iv,
		CredentialTag:  tag,
		Status:         models.AccountConnected,
	}
	if req.BasePath != "" {
		acct.BasePath = req.BasePath
	}

	if err := database.DB.Create(&acct).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create account (email may already exist)",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"account": acct,
	})
}

// Update edits an account's alias, base path, suspension flag or password
func (h *StorageAccountHandler) Update(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	var acct models.StorageAccount
	if err := database.DB.First(&acct, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Account not found",
		})
	}

	var req struct {
		Alias     *string `json:"alias"`
		BasePath  *string `json:"base_path"`
		Suspended *bool   `json:"suspended"`
		Password  *string `json:"password"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	updates := map[string]interface{}{}
	if req.Alias != nil {
		updates["alias"] = *req.Alias
	}
	if req.BasePath != nil {
		updates["base_path"] = *req.BasePath
	}
	if req.Suspended != nil {
		updates["suspended"] = *req.Suspended
	}
	if req.Password != nil && *req.Password != "" {
		blob, iv, tag, err := security.EncryptCredential(*req.Password)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to encrypt credentials",
			})
		}
		updates["credential_blob"] = blob
		updates["credential_iv"] = iv
		updates["credential_tag"] = tag
	}

	if len(updates) > 0 {
		if err := database.DB.Model(&acct).Updates(updates).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Failed to update account",
			})
		}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"account": acct,
	})
}

// Delete soft-deletes an account. Accounts still linked or owning assets
// are protected.
func (h *StorageAccountHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	var assetCount int64
	database.DB.Model(&models.Asset{}).Where("main_account_id = ?", id).Count(&assetCount)
	if assetCount > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Account still owns assets",
		})
	}

	var linkCount int64
	database.DB.Model(&models.MainBackupLink{}).
		Where("main_account_id = ? OR backup_account_id = ?", id, id).
		Count(&linkCount)
	if linkCount > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Account is still linked; unlink it first",
		})
	}

	if err := database.DB.Delete(&models.StorageAccount{}, id).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete account",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Account deleted",
	})
}

// Link assigns a backup account to a main account
func (h *StorageAccountHandler) Link(c *fiber.Ctx) error {
	mainID, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	var req struct {
		BackupAccountID uint `json:"backup_account_id"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if uint(mainID) == req.BackupAccountID {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "An account cannot back itself up",
		})
	}

	var main, backup models.StorageAccount
	if err := database.DB.First(&main, mainID).Error; err != nil || main.Role != models.RoleMain {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Main account not found or not a main account",
		})
	}
	if err := database.DB.First(&backup, req.BackupAccountID).Error; err != nil || backup.Role != models.RoleBackup {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Backup account not found or not a backup account",
		})
	}

	link := models.MainBackupLink{
		MainAccountID:   uint(mainID),
		BackupAccountID: req.BackupAccountID,
	}
	if err := database.DB.Create(&link).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Accounts are already linked",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"link":    link,
	})
}

// Unlink removes a backup assignment. Replica rows survive the unlink so
// reconciliation history is not lost.
func (h *StorageAccountHandler) Unlink(c *fiber.Ctx) error {
	mainID, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}
	backupID, err := strconv.Atoi(c.Params("backupId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid backup account ID",
		})
	}

	result := database.DB.
		Where("main_account_id = ? AND backup_account_id = ?", mainID, backupID).
		Delete(&models.MainBackupLink{})
	if result.Error != nil || result.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Link not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Accounts unlinked",
	})
}

// Probe runs an immediate usage probe against the account
func (h *StorageAccountHandler) Probe(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	acct, err := h.probe.Probe(uint(id))
	if err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"success": false,
			"message": "Probe failed: " + err.Error(),
			"account": acct,
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"account": acct,
	})
}
