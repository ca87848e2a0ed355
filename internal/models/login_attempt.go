package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// LoginAttempt is append-only. It feeds the sliding-window lockout counter and
// the risk assessor; normal flow never updates or deletes rows.
type LoginAttempt struct {
	ID        uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID    *uuid.UUID `json:"userID,omitempty" gorm:"type:uuid;index"`
	Username  string     `json:"username" gorm:"type:varchar(50);not null"`
	IPAddress string     `json:"ipAddress" gorm:"type:varchar(45)"`
	Success   bool       `json:"success" gorm:"not null;index"`
	CreatedAt time.Time  `json:"createdAt" gorm:"not null;index"`
}

func (a *LoginAttempt) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (LoginAttempt) TableName() string {
	return "user_login_attempts"
}
