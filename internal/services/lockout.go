package services

import (
	"time"

	"github.com/vshub/backend/internal/config"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/pkg/logger"
	"gorm.io/gorm"
)

// LockoutService tracks second-factor attempts and locks accounts that fail
// too often in a short window. Attempt rows are append-only evidence; the
// lock itself lives on the user row as locked_until.
type LockoutService struct {
	DB     *gorm.DB
	Audit  *AuditService
	Config config.TwofaConfig
}

func NewLockoutService(db *gorm.DB, audit *AuditService, cfg config.TwofaConfig) *LockoutService {
	return &LockoutService{DB: db, Audit: audit, Config: cfg}
}

// IsLocked reports whether the account is currently locked and when the lock
// lifts. An elapsed locked_until is treated as unlocked without clearing the
// column; the next successful verification clears it.
func (s *LockoutService) IsLocked(user *models.User) (bool, time.Time) {
	if user.LockedUntil == nil || time.Now().After(*user.LockedUntil) {
		return false, time.Time{}
	}
	return true, *user.LockedUntil
}

// RecordFailure appends a failed attempt and, once the threshold is crossed
// inside the window, locks the account. It returns true when this failure
// triggered the lock.
func (s *LockoutService) RecordFailure(user *models.User, ip, userAgent string) (bool, error) {
	attempt := models.LoginAttempt{
		UserID:    &user.ID,
		Username:  user.Username,
		IPAddress: ip,
		Success:   false,
	}
	if err := s.DB.Create(&attempt).Error; err != nil {
		return false, err
	}

	var failures int64
	err := s.DB.Model(&models.LoginAttempt{}).
		Where("user_id = ? AND success = ? AND created_at > ?",
			user.ID, false, time.Now().Add(-s.Config.LockoutWindow)).
		Count(&failures).Error
	if err != nil {
		return false, err
	}

	if failures < int64(s.Config.LockoutThreshold) {
		return false, nil
	}

	lockedUntil := time.Now().Add(s.Config.LockoutDuration)
	if err := s.DB.Model(user).Update("locked_until", lockedUntil).Error; err != nil {
		return false, err
	}
	user.LockedUntil = &lockedUntil

	logger.Warn("account_locked", map[string]interface{}{
		"user_id":      user.ID.String(),
		"failures":     failures,
		"locked_until": lockedUntil.Format(time.RFC3339),
	})
	s.Audit.Record(AuditEntry{
		EventType: models.AuditAccountLock,
		Actor:     user.Username,
		Target:    user.ID.String(),
		IPAddress: ip,
		UserAgent: userAgent,
		Details: map[string]interface{}{
			"failures":     failures,
			"locked_until": lockedUntil.Format(time.RFC3339),
		},
	})
	return true, nil
}

// RecordSuccess appends a successful attempt and clears any standing lock.
func (s *LockoutService) RecordSuccess(user *models.User, ip string) error {
	attempt := models.LoginAttempt{
		UserID:    &user.ID,
		Username:  user.Username,
		IPAddress: ip,
		Success:   true,
	}
	if err := s.DB.Create(&attempt).Error; err != nil {
		return err
	}

	if user.LockedUntil != nil {
		if err := s.DB.Model(user).Update("locked_until", nil).Error; err != nil {
			return err
		}
		user.LockedUntil = nil
	}
	return nil
}

// RecordUnknownUser appends a failed attempt for a username that resolved to
// no account. The row keeps the probe visible to admins without ever creating
// a user-scoped lock.
func (s *LockoutService) RecordUnknownUser(username, ip string) {
	attempt := models.LoginAttempt{
		Username:  username,
		IPAddress: ip,
		Success:   false,
	}
	if err := s.DB.Create(&attempt).Error; err != nil {
		logger.Error("login_attempt_insert_failed", err, map[string]interface{}{
			"username": username,
		})
	}
}

// Unlock clears a lock ahead of schedule. Admin-only; the caller identifies
// the acting admin for the audit trail.
func (s *LockoutService) Unlock(user *models.User, actor, ip, userAgent string) error {
	if err := s.DB.Model(user).Update("locked_until", nil).Error; err != nil {
		return err
	}
	user.LockedUntil = nil

	s.Audit.Record(AuditEntry{
		EventType: models.AuditAccountUnlock,
		Actor:     actor,
		Target:    user.ID.String(),
		IPAddress: ip,
		UserAgent: userAgent,
		Details: map[string]interface{}{
			"username": user.Username,
		},
	})
	return nil
}
