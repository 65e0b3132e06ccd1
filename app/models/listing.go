package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	LISTING_STATUS_DRAFT  = "draft"
	LISTING_STATUS_ACTIVE = "active"
	LISTING_STATUS_SOLD   = "sold"
)

// Listing is a bicycle offered on the marketplace. Ref is the opaque public
// reference other systems (checkout metadata, URLs) use for it. Only the entitlement
// columns are written by the payment subsystem; everything else belongs to
// the listing CRUD flows.
type Listing struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Ref         string `gorm:"type:varchar(64);not null;uniqueIndex" json:"ref"`
	OwnerUserID uint   `gorm:"not null;index" json:"owner_user_id"`
	Title       string `gorm:"type:varchar(200);not null" json:"title"`
	Status      string `gorm:"type:varchar(20);not null;default:'draft';index" json:"status"`
	ImageCount  int    `gorm:"not null;default:0" json:"image_count"`

	VisiblePhotoCap           int        `gorm:"not null;default:3" json:"visible_photo_cap"`
	GrantedPhotoCap           int        `gorm:"not null;default:3" json:"granted_photo_cap"`
	MessagingEnabled          bool       `gorm:"not null;default:false" json:"messaging_enabled"`
	MessagingDisabledBySeller bool       `gorm:"not null;default:false" json:"messaging_disabled_by_seller"`
	PlanCode                  string     `gorm:"type:varchar(20);not null;default:'';index" json:"plan_code"`
	PlanExpiresAt             *time.Time `gorm:"type:timestamp;default:null" json:"plan_expires_at,omitempty"`
	BoostExpiresAt            *time.Time `gorm:"type:timestamp;default:null;index" json:"boost_expires_at,omitempty"`

	CreatedAt time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// HasActivePlan reports whether a paid plan is still running at t.
func (l *Listing) HasActivePlan(t time.Time) bool {
	return l.PlanCode != "" && l.PlanExpiresAt != nil && l.PlanExpiresAt.After(t)
}

// IsBoosted reports whether the listing ranks above unboosted listings at t.
func (l *Listing) IsBoosted(t time.Time) bool {
	return l.BoostExpiresAt != nil && l.BoostExpiresAt.After(t)
}
