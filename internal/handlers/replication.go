package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/provault/backend/internal/services"
)

// ReplicationHandler exposes the orchestration controls: batch status,
// cut-over, quiet hold, reconciliation and restore triggers.
type ReplicationHandler struct {
	orchestrator *services.BatchOrchestrator
	scanner      *services.ReconciliationScanner
	restore      *services.RestorePipeline
}

func NewReplicationHandler(orchestrator *services.BatchOrchestrator, scanner *services.ReconciliationScanner, restore *services.RestorePipeline) *ReplicationHandler {
	return &ReplicationHandler{
		orchestrator: orchestrator,
		scanner:      scanner,
		restore:      restore,
	}
}

func accountIDParam(c *fiber.Ctx) (uint, error) {
	id, err := strconv.Atoi(c.Params("id"))
	if err != nil || id < 1 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "Invalid account ID")
	}
	return uint(id), nil
}

// Status reports the batch machine state for a main account
func (h *ReplicationHandler) Status(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	phase, pending, running := h.orchestrator.Status(id)
	return c.JSON(fiber.Map{
		"success": true,
		"phase":   phase,
		"pending": pending,
		"running": running,
	})
}

// CutOver skips the rest of the current main phase for an account
func (h *ReplicationHandler) CutOver(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	h.orchestrator.RequestCutOver(id)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Cut-over requested; unstarted items will be marked failed",
	})
}

// QuietHold keeps the current batch open past the quiet period
func (h *ReplicationHandler) QuietHold(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	var req struct {
		Hold bool `json:"hold"`
	}
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid request body",
		})
	}

	h.orchestrator.SetQuietHold(id, req.Hold)
	return c.JSON(fiber.Map{
		"success": true,
		"hold":    req.Hold,
	})
}

// Reconcile starts a reconciliation scan for a main account's backups.
// The scan runs in the background; results land in the replica ledger and
// the admin notifications.
func (h *ReplicationHandler) Reconcile(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	go func() {
		if err := h.scanner.Run(id); err != nil {
			// Run already logs and records notifications
			_ = err
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"message": "Reconciliation scan started",
	})
}

// Restore starts the three-phase restore pipeline for a main account
func (h *ReplicationHandler) Restore(c *fiber.Ctx) error {
	id, err := accountIDParam(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid account ID",
		})
	}

	go func() {
		if err := h.restore.Run(id); err != nil {
			_ = err
		}
	}()

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success": true,
		"message": "Restore started",
	})
}
