package models

import "github.com/google/uuid"

// TOTPSecret holds at most one row per user (upsert semantics). An unverified
// row is a pending enrollment; only a verified row is consulted at login.
type TOTPSecret struct {
	BaseModel
	UserID          uuid.UUID `json:"userID" gorm:"type:uuid;uniqueIndex;not null"`
	SecretEncrypted string    `json:"-" gorm:"type:text;not null"`
	Verified        bool      `json:"verified" gorm:"not null;default:false"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (TOTPSecret) TableName() string {
	return "user_totp_secrets"
}
