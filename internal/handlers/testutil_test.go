package handlers

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/database"
	"github.com/vshub/backend/internal/middleware"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/services"
	"github.com/vshub/backend/internal/session"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

// 64 hex chars, test-only key.
const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	vault   *vault.Vault
	store   *session.Store
	cfg     config.TwofaConfig
	totp    *services.TOTPService
	risk    *services.RiskService
	lockout *services.LockoutService
}

var testSetupOnce sync.Once

func testTwofaConfig() config.TwofaConfig {
	return config.TwofaConfig{
		EncryptionKey:        testVaultKey,
		Issuer:               "ValueStrategy Hub",
		EnrollmentExpiry:     3 * time.Minute,
		TrustDuration:        30 * 24 * time.Hour,
		ReverifyAfter:        30 * 24 * time.Hour,
		LockoutWindow:        15 * time.Minute,
		LockoutThreshold:     5,
		LockoutDuration:      30 * time.Minute,
		RiskWindow:           time.Hour,
		RiskFailureThreshold: 3,
		RecoveryCodeCount:    10,
	}
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 24)
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	if err := database.Migrate(db); err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	twofaCfg := testTwofaConfig()
	secretVault := vault.New(twofaCfg.EncryptionKey)
	sessionStore := session.NewStore()

	auditService := services.NewAuditService(db, secretVault, nil)
	riskService := services.NewRiskService(db, secretVault, twofaCfg)
	lockoutService := services.NewLockoutService(db, auditService, twofaCfg)
	recoveryService := services.NewRecoveryService(db)
	totpService := services.NewTOTPService(db, secretVault, auditService, recoveryService, twofaCfg)

	webAuthn, err := webauthn.New(&webauthn.Config{
		RPID:          "localhost",
		RPDisplayName: "ValueStrategy Hub",
		RPOrigins:     []string{"http://localhost:3000"},
	})
	if err != nil {
		t.Fatalf("failed initializing webauthn: %v", err)
	}

	authHandler := NewAuthHandler(db, auditService, riskService, lockoutService,
		totpService, recoveryService, sessionStore)
	twofaHandler := NewTwofaHandler(db, totpService, recoveryService, riskService, auditService)
	webAuthnHandler := NewWebAuthnHandler(db, webAuthn, auditService, riskService,
		lockoutService, sessionStore)
	adminHandler := NewAdminHandler(db, lockoutService, auditService, secretVault, nil)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS([]string{"http://localhost:3000"}))
	app.Use(middleware.RequestLogger())

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

	return &testEnv{
		app:     app,
		db:      db,
		vault:   secretVault,
		store:   sessionStore,
		cfg:     twofaCfg,
		totp:    totpService,
		risk:    riskService,
		lockout: lockoutService,
	}
}

func createTestUser(t *testing.T, db *gorm.DB, username, password string, role models.UserRole) (*models.User, string) {
	t.Helper()

	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Username:     username,
		Email:        username + "@vshub.local",
		PasswordHash: hash,
		Role:         role,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}

	token, err := utils.GenerateToken(user)
	if err != nil {
		t.Fatalf("failed generating auth token: %v", err)
	}

	return user, token
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func assertEnvelopeError(t *testing.T, body map[string]any, expected string) {
	t.Helper()
	if success, _ := body["success"].(bool); success {
		t.Fatalf("expected success=false, got %+v", body)
	}
	if got, _ := body["error"].(string); got != expected {
		t.Fatalf("expected error %q, got %q", expected, got)
	}
}
