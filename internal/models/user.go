package models

import "time"

type UserRole string

const (
	UserRoleAdmin     UserRole = "admin"
	UserRoleUser      UserRole = "user"
	UserRoleConsultor UserRole = "consultor"
)

type User struct {
	BaseModel
	Username     string   `json:"username" gorm:"type:varchar(50);uniqueIndex;not null"`
	Email        string   `json:"email" gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string   `json:"-" gorm:"type:text;not null"`
	Role         UserRole `json:"role" gorm:"type:varchar(20);not null;default:'user'"`
	Department   string   `json:"department" gorm:"type:varchar(100)"`
	Expertise    string   `json:"expertise" gorm:"type:varchar(100)"`

	// Second-factor state. The engine only ever updates these fields; user rows
	// are never deleted by the authentication path.
	TwofaEnabled  bool       `json:"twofaEnabled" gorm:"not null;default:false"`
	TwofaEnforced bool       `json:"twofaEnforced" gorm:"not null;default:false"`
	LastTwofaAt   *time.Time `json:"lastTwofaAt,omitempty"`
	LockedUntil   *time.Time `json:"lockedUntil,omitempty"`
}
