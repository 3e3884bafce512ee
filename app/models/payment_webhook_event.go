package models

import (
	"time"

	"gorm.io/datatypes"
)

const PaymentProviderDropPay = "droppay"

// PaymentWebhookEvent stores provider webhook payloads with deduplication
// metadata for idempotent processing.
type PaymentWebhookEvent struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"type:varchar(20);not null;uniqueIndex:ux_payment_webhook_events_provider_event,priority:1" json:"provider"`
	ProviderEventID string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_payment_webhook_events_provider_event,priority:2" json:"provider_event_id"`
	EventType       string         `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Payload         datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	SignatureValid  bool           `gorm:"default:false" json:"signature_valid"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	ProcessingError string         `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
