package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/database"
	"github.com/vshub/backend/internal/handlers"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/session"
	"github.com/vshub/backend/internal/storage"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.ExpirationHours)

	secretVault := vault.New(cfg.Twofa.EncryptionKey)
	if !secretVault.Available() {
		logger.Warn("vault_unavailable", map[string]interface{}{
			"detail": "TWOFA_ENCRYPTION_KEY missing or invalid, TOTP enrollment disabled",
		})
	}

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	var storageClient *storage.MinIOClient
	if cfg.MinIO.Enabled {
		storageClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	sessionStore := session.NewStore()
	sessionStore.StartCleanup(time.Minute, utils.MFATokenExpiry)

	auditService := services.NewAuditService(db, secretVault, storageClient)
	auditService.StartExporter(cfg.Audit.ExportInterval)
	riskService := services.NewRiskService(db, secretVault, cfg.Twofa)
	lockoutService := services.NewLockoutService(db, auditService, cfg.Twofa)
	recoveryService := services.NewRecoveryService(db)
	totpService := services.NewTOTPService(db, secretVault, auditService, recoveryService, cfg.Twofa)

	authHandler := handlers.NewAuthHandler(db, auditService, riskService, lockoutService,
		totpService, recoveryService, sessionStore)
	twofaHandler := handlers.NewTwofaHandler(db, totpService, recoveryService, riskService, auditService)
	webAuthnHandler := handlers.NewWebAuthnHandler(db, webAuthn, auditService, riskService,
		lockoutService, sessionStore)
	adminHandler := handlers.NewAdminHandler(db, lockoutService, auditService, secretVault, storageClient)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.WebAuthn.RPOrigins))
	app.Use(middleware.RequestLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/2fa/verify", authHandler.Verify2FA)
	authRoutes.Post("/webauthn/begin", webAuthnHandler.AuthBegin)
	authRoutes.Post("/webauthn/finish", webAuthnHandler.AuthFinish)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)

	twofaRoutes := api.Group("/2fa", authMiddleware.RequireAuth)
	twofaRoutes.Get("/status", twofaHandler.Status)
	twofaRoutes.Post("/setup", twofaHandler.Setup)
	twofaRoutes.Post("/setup/verify", twofaHandler.VerifySetup)
	twofaRoutes.Post("/disable", twofaHandler.Disable)
	twofaRoutes.Post("/recovery/regenerate", twofaHandler.RegenerateRecovery)
	twofaRoutes.Get("/devices", twofaHandler.ListDevices)
	twofaRoutes.Delete("/devices/:id", twofaHandler.DeleteDevice)
	twofaRoutes.Delete("/devices", twofaHandler.DeleteAllDevices)

	passkeyRoutes := api.Group("/passkeys", authMiddleware.RequireAuth)
	passkeyRoutes.Post("/register/begin", webAuthnHandler.RegisterBegin)
	passkeyRoutes.Post("/register/finish", webAuthnHandler.RegisterFinish)
	passkeyRoutes.Get("/", webAuthnHandler.List)
	passkeyRoutes.Put("/:id", webAuthnHandler.Rename)
	passkeyRoutes.Delete("/:id", webAuthnHandler.Delete)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Post("/users/:id/unlock", adminHandler.UnlockUser)
	adminRoutes.Put("/users/:id/enforce-2fa", adminHandler.SetTwofaEnforced)
	adminRoutes.Get("/users/:id/login-attempts", adminHandler.ListLoginAttempts)
	adminRoutes.Get("/audit", adminHandler.ListAuditEvents)
	adminRoutes.Get("/audit/exports", adminHandler.ListAuditExports)
	adminRoutes.Get("/audit/exports/url", adminHandler.AuditExportURL)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
