package models

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentNotification stores gateway webhook deliveries with deduplication
// metadata so every delivery and its outcome can be traced.
type PaymentNotification struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:varchar(20);not null;index:ux_payment_notifications_delivery,unique,priority:1;index" json:"provider"`
	DeliveryID      string         `gorm:"type:varchar(191);not null;default:'';index:ux_payment_notifications_delivery,unique,priority:2" json:"delivery_id"`
	Topic           string         `gorm:"type:varchar(100);not null;index" json:"topic"`
	PaymentRef      string         `gorm:"type:varchar(191);not null;default:'';index" json:"payment_ref"`
	Payload         datatypes.JSON `gorm:"type:json" json:"payload"`
	Outcome         string         `gorm:"type:varchar(32);not null;default:''" json:"outcome"`
	ProcessedAt     *time.Time     `gorm:"type:timestamp;default:null" json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
