package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	BillingPeriodMonthly = "monthly"
	BillingPeriodYearly  = "yearly"
)

const (
	SubscriptionStatusActive    = "active"
	SubscriptionStatusExpired   = "expired"
	SubscriptionStatusCancelled = "cancelled"
)

const (
	PaymentMethodPi      = "pi"
	PaymentMethodDropPay = "droppay"
)

// Subscription is the single plan row of a profile. Status is a hint only:
// a row whose EndDate has passed grants the free plan whatever it says.
type Subscription struct {
	ID            uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	ProfileID     uuid.UUID       `gorm:"type:uuid;not null;uniqueIndex:ux_subscriptions_profile" json:"profile_id"`
	PlanType      string          `gorm:"type:varchar(20);not null;default:'free'" json:"plan_type"`
	BillingPeriod string          `gorm:"type:varchar(16);not null;default:'monthly'" json:"billing_period"`
	PiAmount      decimal.Decimal `gorm:"type:numeric(20,7);not null;default:0" json:"pi_amount"`
	StartDate     time.Time       `gorm:"not null" json:"start_date"`
	EndDate       *time.Time      `gorm:"index" json:"end_date,omitempty"`
	Status        string          `gorm:"type:varchar(16);not null;default:'active'" json:"status"`
	AutoRenew     bool            `gorm:"default:true" json:"auto_renew"`
	PaymentID     string          `gorm:"type:varchar(191);default:''" json:"payment_id"`
	TransactionID string          `gorm:"type:varchar(191);default:''" json:"transaction_id"`
	PaymentMethod string          `gorm:"type:varchar(20);default:'pi'" json:"payment_method"`
	CreatedAt     time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// BeforeCreate assigns a UUID when the caller did not.
func (s *Subscription) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
