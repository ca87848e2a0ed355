package models

import (
	"time"

	"github.com/google/uuid"
)

type CredentialDeviceType string

const (
	CredentialSingleDevice CredentialDeviceType = "singleDevice"
	CredentialMultiDevice  CredentialDeviceType = "multiDevice"
)

type WebAuthnCredential struct {
	BaseModel
	UserID          uuid.UUID            `json:"userID" gorm:"type:uuid;index;not null"`
	CredentialID    []byte               `json:"-" gorm:"type:bytea;uniqueIndex;not null"`
	PublicKey       []byte               `json:"-" gorm:"type:bytea;not null"`
	AttestationType string               `json:"-" gorm:"type:varchar(50)"`
	AAGUID          []byte               `json:"-" gorm:"type:bytea"`
	SignCount       uint32               `json:"-" gorm:"not null;default:0"`
	DeviceType      CredentialDeviceType `json:"deviceType" gorm:"type:varchar(20);not null;default:'singleDevice'"`
	Transports      string               `json:"-" gorm:"type:text"`
	BackupEligible  bool                 `json:"-" gorm:"not null;default:false"`
	BackupState     bool                 `json:"-" gorm:"not null;default:false"`
	Label           string               `json:"label" gorm:"type:varchar(100);not null"`
	LastUsedAt      *time.Time           `json:"lastUsedAt,omitempty"`

	User User `json:"-" gorm:"foreignKey:UserID"`
}

func (WebAuthnCredential) TableName() string {
	return "user_webauthn_credentials"
}
