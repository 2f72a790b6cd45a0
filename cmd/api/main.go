package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/handlers"
	"github.com/provault/backend/internal/megacli"
	"github.com/provault/backend/internal/middleware"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/security"
	"github.com/provault/backend/internal/services"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Persist the JWT secret so sessions survive restarts
	cfg.JWTSecret = database.EnsureJWTSecret(cfg)

	// Seed admin user if not exists
	seedAdminUser()

	// Credential encryption key for stored account passwords
	if err := security.InitializeKey(cfg.CredentialSecret); err != nil {
		log.Fatalf("Failed to initialize credential encryption: %v", err)
	}

	// The MEGAcmd session is a single shared resource: one client, one
	// lock, one proxy selector for the whole process.
	client := megacli.NewClient(cfg)
	sessionLock := services.NewSessionLock(client)
	proxySelector := services.NewProxySelector(cfg, client)

	orchestrator := services.NewBatchOrchestrator(cfg, sessionLock, proxySelector)
	scanner := services.NewReconciliationScanner(cfg, sessionLock, proxySelector)
	restorePipeline := services.NewRestorePipeline(cfg, sessionLock, proxySelector)
	accountProbe := services.NewAccountProbe(cfg, sessionLock, proxySelector)

	// Re-enqueue assets that were mid-flight at last shutdown
	orchestrator.RecoverPending()

	// Background services
	ledgerBackup := services.NewLedgerBackupService(cfg)
	go ledgerBackup.Start()

	probeScheduler := services.NewProbeSchedulerService(cfg, accountProbe)
	go probeScheduler.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "ProVault API v1.0",
		ServerHeader: "ProVault",
		BodyLimit:    50 * 1024 * 1024, // 50MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "provault-api",
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	accountHandler := handlers.NewStorageAccountHandler(accountProbe)
	assetHandler := handlers.NewAssetHandler(orchestrator)
	replicationHandler := handlers.NewReplicationHandler(orchestrator, scanner, restorePipeline)
	notificationHandler := handlers.NewNotificationHandler()
	backupHandler := handlers.NewBackupHandler(ledgerBackup)
	auditHandler := handlers.NewAuditHandler()

	// API routes
	api := app.Group("/api")

	// Apply rate limiting to API routes (100 requests per minute by default)
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))
	protected.Use(middleware.AuditLogger())

	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Post("/auth/change-password", authHandler.ChangePassword)

	// Storage accounts (Admin only)
	accounts := protected.Group("/accounts", middleware.AdminOnly())
	accounts.Get("/", accountHandler.List)
	accounts.Get("/:id", accountHandler.Get)
	accounts.Post("/", accountHandler.Create)
	accounts.Put("/:id", accountHandler.Update)
	accounts.Delete("/:id", accountHandler.Delete)
	accounts.Post("/:id/link", accountHandler.Link)
	accounts.Delete("/:id/link/:backupId", accountHandler.Unlink)
	accounts.Post("/:id/probe", accountHandler.Probe)

	// Assets
	assets := protected.Group("/assets")
	assets.Get("/", assetHandler.List)
	assets.Get("/:id", assetHandler.Get)
	assets.Get("/:id/progress", assetHandler.Progress)
	assets.Post("/", middleware.AdminOnly(), assetHandler.Create)
	assets.Post("/:id/enqueue", middleware.AdminOnly(), assetHandler.Enqueue)
	assets.Delete("/:id", middleware.AdminOnly(), assetHandler.Delete)

	// Replication control (Admin only)
	replication := protected.Group("/replication", middleware.AdminOnly())
	replication.Get("/:id/status", replicationHandler.Status)
	replication.Post("/:id/cutover", replicationHandler.CutOver)
	replication.Post("/:id/quiet-hold", replicationHandler.QuietHold)
	replication.Post("/:id/reconcile", replicationHandler.Reconcile)
	replication.Post("/:id/restore", replicationHandler.Restore)

	// Notifications
	notifications := protected.Group("/notifications")
	notifications.Get("/", notificationHandler.List)
	notifications.Post("/:id/read", notificationHandler.MarkRead)
	notifications.Post("/read-all", notificationHandler.MarkAllRead)

	// Ledger backups (Admin only)
	backups := protected.Group("/backups", middleware.AdminOnly())
	backups.Get("/schedules", backupHandler.ListSchedules)
	backups.Post("/schedules", backupHandler.CreateSchedule)
	backups.Put("/schedules/:id", backupHandler.UpdateSchedule)
	backups.Delete("/schedules/:id", backupHandler.DeleteSchedule)
	backups.Post("/run", backupHandler.RunNow)
	backups.Get("/logs", backupHandler.ListLogs)
	backups.Post("/test-ftp", backupHandler.TestFTP)

	// Audit log (Admin only)
	protected.Get("/audit", middleware.AdminOnly(), auditHandler.List)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		ledgerBackup.Stop()
		probeScheduler.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting ProVault API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		admin := models.User{
			Username:            "admin",
			Password:            string(hashedPassword),
			Email:               "admin@provault.local",
			FullName:            "System Administrator",
			UserType:            models.UserTypeAdmin,
			ForcePasswordChange: true,
			IsActive:            true,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}
