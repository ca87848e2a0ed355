package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Security event taxonomy. The vocabulary is closed: handlers never invent
// ad-hoc event type strings.
const (
	Audit2FASuccess          = "2fa_success"
	Audit2FAFailure          = "2fa_failure"
	Audit2FAEnable           = "2fa_enable"
	Audit2FADisable          = "2fa_disable"
	AuditAccountLock         = "account_lock"
	AuditAccountUnlock       = "account_unlock"
	AuditPasskeyRegister     = "passkey_register"
	AuditPasskeyAuthenticate = "passkey_authenticate"
	AuditPasskeyFailure      = "passkey_failure"
	AuditPasskeyDelete       = "passkey_delete"
)

// AuditEvent is an append-only record of every security-relevant action.
// It does NOT use BaseModel because audit rows are never updated or soft-deleted.
// IPAddress is vault-encrypted when an encryption key is configured.
type AuditEvent struct {
	ID        uuid.UUID              `json:"id" gorm:"type:uuid;primaryKey"`
	EventType string                 `json:"eventType" gorm:"type:varchar(50);not null;index"`
	Actor     string                 `json:"actor" gorm:"type:varchar(50);index"`
	Target    string                 `json:"target" gorm:"type:varchar(50)"`
	IPAddress string                 `json:"-" gorm:"type:text"`
	UserAgent string                 `json:"userAgent" gorm:"type:text"`
	Details   map[string]interface{} `json:"details,omitempty" gorm:"type:jsonb;serializer:json"`
	CreatedAt time.Time              `json:"createdAt" gorm:"not null;index"`
}

func (a *AuditEvent) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (AuditEvent) TableName() string {
	return "audit_events"
}

// AuditExportCursor tracks the last successful export timestamp so the
// periodic object-storage export only ships new rows.
type AuditExportCursor struct {
	ID            uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	LastExportAt  time.Time `json:"lastExportAt" gorm:"not null"`
	ExportedCount int64     `json:"exportedCount" gorm:"not null;default:0"`
}

func (a *AuditExportCursor) BeforeCreate(_ *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (AuditExportCursor) TableName() string {
	return "audit_export_cursors"
}
