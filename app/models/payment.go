package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payment provider constants used across payment-related models.
const (
	PaymentProviderMercadoPago = "mercadopago"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusSucceeded = "succeeded"
	PaymentStatusFailed    = "failed"
)

// PaymentRecord is the ledger row for one payment attempt. It is keyed by
// (provider, provider_ref) once the gateway id is known and may be created
// earlier with only an external reference at checkout time.
type PaymentRecord struct {
	ID                uint                `gorm:"primaryKey" json:"id"`
	UserRef           *string             `gorm:"type:varchar(64);default:null;index" json:"user_ref,omitempty"`
	ListingRef        *string             `gorm:"type:varchar(64);default:null;index" json:"listing_ref,omitempty"`
	Amount            decimal.NullDecimal `gorm:"type:decimal(14,2)" json:"amount"`
	Currency          *string             `gorm:"type:varchar(3);default:null" json:"currency,omitempty"`
	Status            string              `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	Provider          string              `gorm:"type:varchar(20);not null;index:ux_payments_provider_ref,unique,priority:1" json:"provider"`
	ProviderRef       *string             `gorm:"type:varchar(191);default:null;index:ux_payments_provider_ref,unique,priority:2" json:"provider_ref,omitempty"`
	ExternalReference *string             `gorm:"type:varchar(191);default:null;index" json:"external_reference,omitempty"`
	PlanCode          string              `gorm:"type:varchar(20);not null;default:''" json:"plan_code"`
	Applied           bool                `gorm:"not null;default:false;index" json:"applied"`
	AppliedAt         *time.Time          `gorm:"type:timestamp;default:null" json:"applied_at,omitempty"`
	RawPayload        datatypes.JSON      `gorm:"type:json" json:"-"`
	CreatedAt         time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time           `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PaymentRecord) TableName() string {
	return "payments"
}

// ProviderRefValue returns the gateway id or "" when it is not known yet.
func (p *PaymentRecord) ProviderRefValue() string {
	if p == nil || p.ProviderRef == nil {
		return ""
	}
	return *p.ProviderRef
}

// ListingRefValue returns the listing reference or "".
func (p *PaymentRecord) ListingRefValue() string {
	if p == nil || p.ListingRef == nil {
		return ""
	}
	return *p.ListingRef
}

// ExternalReferenceValue returns the checkout correlation key or "".
func (p *PaymentRecord) ExternalReferenceValue() string {
	if p == nil || p.ExternalReference == nil {
		return ""
	}
	return *p.ExternalReference
}
