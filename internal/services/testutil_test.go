package services

import (
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/database"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

const testVaultKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var loggerOnce sync.Once

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	loggerOnce.Do(logger.Init)

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
	return db
}

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

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	v := vault.New(testVaultKey)
	if !v.Available() {
		t.Fatal("expected test vault to be available")
	}
	return v
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hash, err := utils.HashPassword("secret-password")
	if err != nil {
		t.Fatalf("failed hashing password: %v", err)
	}

	user := &models.User{
		Username:     username,
		Email:        username + "@vshub.local",
		PasswordHash: hash,
		Role:         models.UserRoleUser,
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}
	return user
}
