package handlers

import (
	"os"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/services"
)

type AssetHandler struct {
	orchestrator *services.BatchOrchestrator
}

func NewAssetHandler(orchestrator *services.BatchOrchestrator) *AssetHandler {
	return &AssetHandler{orchestrator: orchestrator}
}

// CreateAssetRequest represents an asset registration body
type CreateAssetRequest struct {
	Slug          string `json:"slug"`
	Title         string `json:"title"`
	MainAccountID uint   `json:"main_account_id"`
	ArchiveName   string `json:"archive_name"`
	LocalPath     string `json:"local_path"`
	Enqueue       bool   `json:"enqueue"`
}

// List returns assets with optional status and account filters
func (h *AssetHandler) List(c *fiber.Ctx) error {
	query := database.DB.Model(&models.Asset{})
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if accountID := c.Query("account_id"); accountID != "" {
		query = query.Where("main_account_id = ?", accountID)
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

	var assets []models.Asset
	if err := query.Order("id desc").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&assets).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to load assets",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"assets":  assets,
		"total":   total,
		"page":    page,
	})
}

// Get returns one asset with its replica rows
func (h *AssetHandler) Get(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid asset ID",
		})
	}

	var asset models.Asset
	if err := database.DB.First(&asset, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Asset not found",
		})
	}

	var replicas []models.Replica
	database.DB.Where("asset_id = ?", asset.ID).Order("backup_account_id asc").Find(&replicas)

	return c.JSON(fiber.Map{
		"success":  true,
		"asset":    asset,
		"replicas": replicas,
	})
}

// Create registers an asset archive and optionally enqueues it for upload
func (h *AssetHandler) Create(c *fiber.Ctx) error {
	var req CreateAssetRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}
	if req.Slug == "" || req.ArchiveName == "" || req.LocalPath == "" || req.MainAccountID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Slug, archive name, local path and main account are required",
		})
	}

	var acct models.StorageAccount
	if err := database.DB.First(&acct, req.MainAccountID).Error; err != nil || acct.Role != models.RoleMain {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Main account not found or not a main account",
		})
	}

	info, err := os.Stat(req.LocalPath)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Local archive not found: " + err.Error(),
		})
	}

	asset := models.Asset{
		Slug:          req.Slug,
		Title:         req.Title,
		MainAccountID: req.MainAccountID,
		ArchiveName:   req.ArchiveName,
		ArchiveSize:   info.Size(),
		LocalPath:     req.LocalPath,
		Status:        models.AssetDraft,
	}
	if err := database.DB.Create(&asset).Error; err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Failed to create asset (slug may already exist)",
		})
	}

	if req.Enqueue {
		if err := h.orchestrator.Enqueue(asset.ID); err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false,
				"message": "Asset created but enqueue failed: " + err.Error(),
				"asset":   asset,
			})
		}
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"asset":   asset,
	})
}

// Enqueue schedules an asset for upload. FAILED assets are safe to
// re-enqueue; their replica rows are upserted, never duplicated.
func (h *AssetHandler) Enqueue(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid asset ID",
		})
	}

	var asset models.Asset
	if err := database.DB.First(&asset, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Asset not found",
		})
	}
	if asset.Status == models.AssetProcessing {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Asset is already being processed",
		})
	}
	if asset.LocalPath == "" {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Asset has no local archive to upload",
		})
	}

	if err := h.orchestrator.Enqueue(asset.ID); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Enqueue failed: " + err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Asset enqueued",
	})
}

// Delete soft-deletes a DRAFT or FAILED asset. Published assets must be
// handled through their lifecycle, not deleted from under the ledger.
func (h *AssetHandler) Delete(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid asset ID",
		})
	}

	var asset models.Asset
	if err := database.DB.First(&asset, id).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Asset not found",
		})
	}
	if asset.Status == models.AssetPublished || asset.Status == models.AssetProcessing {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"message": "Only draft or failed assets can be deleted",
		})
	}

	if err := database.DB.Delete(&asset).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to delete asset",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Asset deleted",
	})
}

// Progress returns the live transfer progress for an asset, if any
func (h *AssetHandler) Progress(c *fiber.Ctx) error {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid asset ID",
		})
	}

	progress, ok := database.GetTransferProgress(uint(id))
	if !ok {
		return c.JSON(fiber.Map{
			"success":  true,
			"active":   false,
			"progress": nil,
		})
	}

	return c.JSON(fiber.Map{
		"success":  true,
		"active":   true,
		"progress": progress,
	})
}
