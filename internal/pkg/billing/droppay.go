package billing

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/droplink/droplink-api/app/models"
)

const DropPayStatusCompleted = "completed"

// DropPayEvent is the normalized DropPay webhook payload. Fields may arrive
// at the top level or nested under "payment".
type DropPayEvent struct {
	EventID   string
	PaymentID string
	TxID      string
	Status    string
	Amount    decimal.Decimal
	Metadata  map[string]interface{}
}

type dropPayPayment struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	Amount        decimal.NullDecimal    `json:"amount"`
	TxID          string                 `json:"txid"`
	TransactionID string                 `json:"transaction_id"`
	Metadata      map[string]interface{} `json:"metadata"`
}

// ParseDropPayWebhook normalizes a DropPay webhook body.
func ParseDropPayWebhook(payload []byte) (*DropPayEvent, error) {
	var raw struct {
		dropPayPayment
		EventID string          `json:"event_id"`
		Payment *dropPayPayment `json:"payment"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	nested := raw.Payment
	if nested == nil {
		nested = &dropPayPayment{}
	}
	ev := &DropPayEvent{
		EventID:   strings.TrimSpace(raw.EventID),
		PaymentID: firstNonEmpty(raw.ID, nested.ID),
		Status:    strings.ToLower(firstNonEmpty(raw.Status, nested.Status)),
		TxID:      firstNonEmpty(raw.TxID, raw.TransactionID, nested.TxID, nested.TransactionID),
		Metadata:  raw.Metadata,
	}
	if ev.Metadata == nil {
		ev.Metadata = nested.Metadata
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]interface{}{}
	}
	switch {
	case raw.Amount.Valid:
		ev.Amount = raw.Amount.Decimal
	case nested.Amount.Valid:
		ev.Amount = nested.Amount.Decimal
	}

	if ev.PaymentID == "" {
		return nil, errors.New("droppay webhook payload missing payment id")
	}
	if ev.TxID == "" {
		ev.TxID = ev.PaymentID
	}
	if ev.EventID == "" {
		ev.EventID = ev.PaymentID + ":" + ev.Status
	}
	return ev, nil
}

// IsSubscriptionPurchase reports whether the event completes a plan purchase.
func (e *DropPayEvent) IsSubscriptionPurchase() bool {
	return e.Status == DropPayStatusCompleted && metaPlan(e.Metadata) != ""
}

// ExternalCompletion converts the event for the coordinator.
func (e *DropPayEvent) ExternalCompletion() (ExternalCompletion, error) {
	out := ExternalCompletion{
		Provider:      models.PaymentMethodDropPay,
		PaymentID:     e.PaymentID,
		TxID:          e.TxID,
		Plan:          metaPlan(e.Metadata),
		BillingPeriod: metaPeriod(e.Metadata),
		Amount:        e.Amount,
		Metadata:      e.Metadata,
	}
	if raw := metaString(e.Metadata, MetaProfileID, "profileId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return out, validationError("metadata profile_id is not a uuid")
		}
		out.ProfileID = &id
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
