package models

import (
	"time"

	"github.com/google/uuid"
)

// RecoveryCode is a single-use backup credential. UsedAt is set exactly once;
// a row with UsedAt != nil never validates again.
type RecoveryCode struct {
	BaseModel
	UserID   uuid.UUID  `json:"userID" gorm:"type:uuid;index;not null"`
	CodeHash string     `json:"-" gorm:"type:text;not null"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (RecoveryCode) TableName() string {
	return "user_recovery_codes"
}
