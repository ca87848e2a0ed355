package models

import (
	"time"

	"github.com/google/uuid"
)

// TrustedDevice is a time-limited grant keyed by (user, device hash). Expiry is
// checked at read time; expired rows are never swept proactively. The IP is the
// address observed when trust was granted, vault-encrypted at rest.
type TrustedDevice struct {
	BaseModel
	UserID     uuid.UUID  `json:"userID" gorm:"type:uuid;index:idx_trusted_devices_user_hash;not null"`
	DeviceHash string     `json:"-" gorm:"type:varchar(64);index:idx_trusted_devices_user_hash;not null"`
	IPAddress  string     `json:"-" gorm:"type:text"`
	Label      string     `json:"label" gorm:"type:varchar(100);not null"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
	ExpiresAt  time.Time  `json:"expiresAt" gorm:"not null"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (TrustedDevice) TableName() string {
	return "user_trusted_devices"
}
