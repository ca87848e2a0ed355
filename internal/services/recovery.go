package services

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
	"github.com/vshub/backend/internal/models"
	"github.com/vshub/backend/pkg/utils"
	"gorm.io/gorm"
)

// RecoveryService manages single-use fallback codes. Plaintext codes exist
// only in the generation response; the store holds bcrypt hashes, so a code
// can be checked but never listed again.
type RecoveryService struct {
	DB *gorm.DB
}

func NewRecoveryService(db *gorm.DB) *RecoveryService {
	return &RecoveryService{DB: db}
}

// Generate mints a fresh set of codes for the user, replacing any existing
// set. Regeneration invalidates unused codes from the previous set.
func (s *RecoveryService) Generate(userID uuid.UUID, count int) ([]string, error) {
	codes := make([]string, 0, count)
	rows := make([]models.RecoveryCode, 0, count)

	for i := 0; i < count; i++ {
		raw := make([]byte, 4)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		code := hex.EncodeToString(raw)

		hash, err := utils.HashPassword(code)
		if err != nil {
			return nil, err
		}

		codes = append(codes, code)
		rows = append(rows, models.RecoveryCode{
			UserID:   userID,
			CodeHash: hash,
		})
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return nil, err
	}
	return codes, nil
}

// Consume checks the submitted code against the user's unused set and burns
// the match. The burn is a conditional update on used_at, so two concurrent
// submissions of the same code produce exactly one winner.
func (s *RecoveryService) Consume(userID uuid.UUID, code string) (bool, error) {
	var rows []models.RecoveryCode
	err := s.DB.Where("user_id = ? AND used_at IS NULL", userID).Find(&rows).Error
	if err != nil {
		return false, err
	}

	for i := range rows {
		if !utils.CheckPassword(code, rows[i].CodeHash) {
			continue
		}

		result := s.DB.Model(&models.RecoveryCode{}).
			Where("id = ? AND used_at IS NULL", rows[i].ID).
			Update("used_at", gorm.Expr("CURRENT_TIMESTAMP"))
		if result.Error != nil {
			return false, result.Error
		}
		return result.RowsAffected == 1, nil
	}
	return false, nil
}

// Remaining counts the user's unused codes.
func (s *RecoveryService) Remaining(userID uuid.UUID) (int64, error) {
	var count int64
	err := s.DB.Model(&models.RecoveryCode{}).
		Where("user_id = ? AND used_at IS NULL", userID).
		Count(&count).Error
	return count, err
}

// DeleteAll removes the user's entire code set, used and unused.
func (s *RecoveryService) DeleteAll(tx *gorm.DB, userID uuid.UUID) error {
	return tx.Where("user_id = ?", userID).Delete(&models.RecoveryCode{}).Error
}
