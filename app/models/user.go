package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_SELLER     = "seller"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Ref       string         `gorm:"type:varchar(64);not null;uniqueIndex" json:"ref"`
	Name      string         `gorm:"type:varchar(150)" json:"name"`
	Email     string         `gorm:"uniqueIndex;type:varchar(200)" json:"email"`
	Role      string         `gorm:"type:varchar(50);default:'user'" json:"role"`
	Status    string         `gorm:"type:varchar(50);default:'active'" json:"status"`
	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// CanReceiveMail reports whether transactional mail should be sent to the user.
func (u *User) CanReceiveMail() bool {
	return u != nil && u.Email != "" && u.Status != STATUS_DISABLED
}
