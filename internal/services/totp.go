package services

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/internal/vault"
	"github.com/vshub/backend/pkg/logger"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

var (
	ErrAlreadyEnrolled  = errors.New("totp: an active secret already exists")
	ErrNoPendingSetup   = errors.New("totp: no pending setup")
	ErrSetupExpired     = errors.New("totp: pending setup expired")
	ErrNotEnrolled      = errors.New("totp: no verified secret")
	ErrInvalidCode      = errors.New("totp: invalid code")
	ErrInvalidPassword  = errors.New("totp: password check failed")
	ErrDisableForbidden = errors.New("totp: account is required to keep a second factor")
)

// TOTPService manages the enrollment lifecycle of authenticator-app secrets
// and verifies codes at login. Secrets are vault-encrypted at rest; a pending
// secret that is never confirmed simply ages out.
type TOTPService struct {
	DB       *gorm.DB
	Vault    *vault.Vault
	Audit    *AuditService
	Recovery *RecoveryService
	Config   config.TwofaConfig
}

func NewTOTPService(db *gorm.DB, v *vault.Vault, audit *AuditService, recovery *RecoveryService, cfg config.TwofaConfig) *TOTPService {
	return &TOTPService{DB: db, Vault: v, Audit: audit, Recovery: recovery, Config: cfg}
}

type SetupInfo struct {
	Secret    string `json:"secret"`
	QRCode    string `json:"qrCode"`
	ExpiresIn int    `json:"expiresIn"`
}

// BeginSetup generates a fresh secret for the user and stores it encrypted
// and unverified. Re-invoking while a pending secret exists replaces it and
// restarts the confirmation window; an already verified secret is a conflict.
func (s *TOTPService) BeginSetup(user *models.User) (*SetupInfo, error) {
	if !s.Vault.Available() {
		return nil, vault.ErrUnavailable
	}

	var existing models.TOTPSecret
	err := s.DB.Where("user_id = ? AND verified = ?", user.ID, true).First(&existing).Error
	if err == nil {
		if _, decErr := s.Vault.Decrypt(existing.SecretEncrypted); decErr == nil {
			return nil, ErrAlreadyEnrolled
		}
		// A verified secret that no longer decrypts cannot authenticate anyone.
		// Purge it so the user can re-enroll instead of being stuck.
		logger.Warn("totp_secret_unreadable", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		if err := s.DB.Delete(&existing).Error; err != nil {
			return nil, err
		}
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.Config.Issuer,
		AccountName: user.Email,
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := s.Vault.Encrypt(key.Secret())
	if err != nil {
		return nil, err
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.TOTPSecret{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.TOTPSecret{
			UserID:          user.ID,
			SecretEncrypted: encrypted,
			Verified:        false,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	qr, err := qrDataURL(key)
	if err != nil {
		return nil, err
	}

	return &SetupInfo{
		Secret:    key.Secret(),
		QRCode:    qr,
		ExpiresIn: int(s.Config.EnrollmentExpiry.Seconds()),
	}, nil
}

// ConfirmSetup proves possession of the authenticator. On success the secret
// becomes verified, the account gains 2FA, and a fresh recovery code set is
// returned. An expired pending secret is purged so the user restarts cleanly.
func (s *TOTPService) ConfirmSetup(user *models.User, code, ip, userAgent string) ([]string, error) {
	var pending models.TOTPSecret
	err := s.DB.Where("user_id = ? AND verified = ?", user.ID, false).First(&pending).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNoPendingSetup
		}
		return nil, err
	}

	if time.Since(pending.CreatedAt) > s.Config.EnrollmentExpiry {
		s.DB.Delete(&pending)
		return nil, ErrSetupExpired
	}

	secret, err := s.Vault.Decrypt(pending.SecretEncrypted)
	if err != nil {
		logger.Warn("totp_secret_unreadable", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		s.DB.Delete(&pending)
		return nil, ErrNoPendingSetup
	}

	if !validateCode(code, secret) {
		return nil, ErrInvalidCode
	}

	now := time.Now()
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&pending).Update("verified", true).Error; err != nil {
			return err
		}
		return tx.Model(user).Updates(map[string]interface{}{
			"twofa_enabled": true,
			"last_twofa_at": now,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	user.TwofaEnabled = true
	user.LastTwofaAt = &now

	codes, err := s.Recovery.Generate(user.ID, s.Config.RecoveryCodeCount)
	if err != nil {
		return nil, err
	}

	s.Audit.Record(AuditEntry{
		EventType: models.Audit2FAEnable,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: ip,
		UserAgent: userAgent,
		Details: map[string]interface{}{
			"method": "totp",
		},
	})
	return codes, nil
}

// VerifyLogin checks a login code against the user's verified secret. Only a
// verified secret counts; a pending one cannot authenticate a login.
func (s *TOTPService) VerifyLogin(user *models.User, code string) (bool, error) {
	var row models.TOTPSecret
	err := s.DB.Where("user_id = ? AND verified = ?", user.ID, true).First(&row).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, ErrNotEnrolled
		}
		return false, err
	}

	secret, err := s.Vault.Decrypt(row.SecretEncrypted)
	if err != nil {
		// Corrupted or legacy data fails the check rather than the request.
		logger.Warn("totp_secret_unreadable", map[string]interface{}{
			"user_id": user.ID.String(),
		})
		return false, nil
	}
	return validateCode(code, secret), nil
}

// Enrolled reports whether the user has a verified secret.
func (s *TOTPService) Enrolled(userID uuid.UUID) (bool, error) {
	var count int64
	err := s.DB.Model(&models.TOTPSecret{}).
		Where("user_id = ? AND verified = ?", userID, true).
		Count(&count).Error
	return count > 0, err
}

// Disable tears down the user's entire second-factor state after a fresh
// password check. Accounts flagged twofa_enforced cannot disable; secrets,
// recovery codes, trust grants and passkeys all go in one transaction so a
// half-disabled account cannot exist.
func (s *TOTPService) Disable(user *models.User, password, ip, userAgent string) error {
	if !utils.CheckPassword(password, user.PasswordHash) {
		return ErrInvalidPassword
	}
	if user.TwofaEnforced {
		return ErrDisableForbidden
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.TOTPSecret{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.RecoveryCode{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.TrustedDevice{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.WebAuthnCredential{}).Error; err != nil {
			return err
		}
		return tx.Model(user).Updates(map[string]interface{}{
			"twofa_enabled": false,
			"last_twofa_at": nil,
		}).Error
	})
	if err != nil {
		return err
	}
	user.TwofaEnabled = false
	user.LastTwofaAt = nil

	s.Audit.Record(AuditEntry{
		EventType: models.Audit2FADisable,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: ip,
		UserAgent: userAgent,
		Details:   nil,
	})
	return nil
}

// validateCode accepts the current 30-second step plus one step either side,
// absorbing clock drift between the server and the authenticator device.
func validateCode(code, secret string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func qrDataURL(key *otp.Key) (string, error) {
	img, err := key.Image(256, 256)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
