package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/vault"
	"gorm.io/gorm"
)

// RiskService owns the trusted-device store and the decision of whether a
// password-verified login still needs a second factor.
type RiskService struct {
	DB     *gorm.DB
	Vault  *vault.Vault
	Config config.TwofaConfig
}

func NewRiskService(db *gorm.DB, v *vault.Vault, cfg config.TwofaConfig) *RiskService {
	return &RiskService{DB: db, Vault: v, Config: cfg}
}

// DeviceHash fingerprints a client from its user agent alone. The IP is
// deliberately excluded: consultants work from hotel and mobile networks, and
// folding the IP in would expire every trust grant on each network change.
func DeviceHash(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])
}

// DeviceLabel derives a human-readable name from the user agent, in the
// product's display language ("Chrome en Windows"). Unrecognized agents get a
// generic fallback rather than leaking the raw UA string into the UI.
func DeviceLabel(userAgent string) string {
	browser := "Navegador"
	ua := userAgent
	switch {
	case strings.Contains(ua, "Edg/") || strings.Contains(ua, "Edge/"):
		browser = "Edge"
	case strings.Contains(ua, "OPR/") || strings.Contains(ua, "Opera"):
		browser = "Opera"
	case strings.Contains(ua, "Chrome/"):
		browser = "Chrome"
	case strings.Contains(ua, "Firefox/"):
		browser = "Firefox"
	case strings.Contains(ua, "Safari/"):
		browser = "Safari"
	}

	os := "dispositivo desconocido"
	switch {
	case strings.Contains(ua, "Windows"):
		os = "Windows"
	case strings.Contains(ua, "Android"):
		os = "Android"
	case strings.Contains(ua, "iPhone") || strings.Contains(ua, "iPad"):
		os = "iOS"
	case strings.Contains(ua, "Mac OS X") || strings.Contains(ua, "Macintosh"):
		os = "macOS"
	case strings.Contains(ua, "Linux"):
		os = "Linux"
	}

	return fmt.Sprintf("%s en %s", browser, os)
}

// LookupTrust returns the live trust grant for this user and device hash, if
// any. Expired rows are treated as absent; a hit refreshes LastUsed.
func (s *RiskService) LookupTrust(userID uuid.UUID, deviceHash string) (*models.TrustedDevice, error) {
	var device models.TrustedDevice
	err := s.DB.Where("user_id = ? AND device_hash = ? AND expires_at > ?",
		userID, deviceHash, time.Now()).First(&device).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	s.DB.Model(&device).Update("last_used", time.Now())
	return &device, nil
}

// GrantTrust records the device as trusted for the configured duration,
// replacing any previous grant for the same fingerprint so the TTL restarts.
func (s *RiskService) GrantTrust(userID uuid.UUID, userAgent, ip string) error {
	deviceHash := DeviceHash(userAgent)

	if err := s.DB.Where("user_id = ? AND device_hash = ?", userID, deviceHash).
		Delete(&models.TrustedDevice{}).Error; err != nil {
		return err
	}

	now := time.Now()
	device := models.TrustedDevice{
		UserID:     userID,
		DeviceHash: deviceHash,
		IPAddress:  s.Vault.EncryptOrPlaintext(ip),
		Label:      DeviceLabel(userAgent),
		LastUsed:   &now,
		ExpiresAt:  now.Add(s.Config.TrustDuration),
	}
	return s.DB.Create(&device).Error
}

// ListDevices returns the user's trust grants, live ones first. Expired rows
// are included so the UI can show them as such until the user removes them.
func (s *RiskService) ListDevices(userID uuid.UUID) ([]models.TrustedDevice, error) {
	var devices []models.TrustedDevice
	err := s.DB.Where("user_id = ?", userID).
		Order("last_used DESC").
		Find(&devices).Error
	return devices, err
}

// DeleteDevice revokes a single trust grant. The query is scoped to the owner,
// so a foreign ID comes back as not found rather than leaking existence.
func (s *RiskService) DeleteDevice(userID, deviceID uuid.UUID) error {
	result := s.DB.Where("id = ? AND user_id = ?", deviceID, userID).
		Delete(&models.TrustedDevice{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *RiskService) DeleteAllDevices(userID uuid.UUID) (int64, error) {
	result := s.DB.Where("user_id = ?", userID).Delete(&models.TrustedDevice{})
	return result.RowsAffected, result.Error
}

// ShouldRequireSecondFactor decides whether a password-verified login must
// still present a second factor. Checks run strictest first: no live trust
// grant always challenges, then a stale last verification, then recent failed
// attempts against the account. Trust skips the challenge only when all three
// pass.
func (s *RiskService) ShouldRequireSecondFactor(user *models.User, userAgent string) (bool, string, error) {
	if !user.TwofaEnabled {
		return false, "", nil
	}

	device, err := s.LookupTrust(user.ID, DeviceHash(userAgent))
	if err != nil {
		return true, "", err
	}
	if device == nil {
		return true, "unrecognized_device", nil
	}

	if user.LastTwofaAt == nil || time.Since(*user.LastTwofaAt) >= s.Config.ReverifyAfter {
		return true, "verification_stale", nil
	}

	var recentFailures int64
	err = s.DB.Model(&models.LoginAttempt{}).
		Where("user_id = ? AND success = ? AND created_at > ?",
			user.ID, false, time.Now().Add(-s.Config.RiskWindow)).
		Count(&recentFailures).Error
	if err != nil {
		return true, "", err
	}
	if recentFailures >= int64(s.Config.RiskFailureThreshold) {
		return true, "recent_failures", nil
	}

	return false, "", nil
}
