package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// PaymentLedger is the idempotency record of a Pi payment handshake, keyed
// by the payment id issued by the Pi network.
type PaymentLedger struct {
	PaymentID          string            `gorm:"type:varchar(191);primaryKey" json:"payment_id"`
	ProfileID          *uuid.UUID        `gorm:"type:uuid;index" json:"profile_id,omitempty"`
	Amount             decimal.Decimal   `gorm:"type:numeric(20,7);not null;default:0" json:"amount"`
	Memo               string            `gorm:"type:varchar(255);default:''" json:"memo"`
	State              string            `gorm:"type:varchar(32);not null;index" json:"state"`
	TxID               string            `gorm:"column:txid;type:varchar(191);default:''" json:"txid"`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb" json:"metadata"`
	Result             datatypes.JSON    `gorm:"type:jsonb" json:"result,omitempty"`
	ClaimToken         string            `gorm:"type:varchar(64);default:''" json:"-"`
	ClaimedAt          *time.Time        `json:"claimed_at,omitempty"`
	NetworkCompletedAt *time.Time        `gorm:"index" json:"network_completed_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	LastError          string            `gorm:"type:text" json:"last_error"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime;index" json:"updated_at"`
}

func (PaymentLedger) TableName() string {
	return "payment_ledger"
}
