package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Metadata keys shared with the client createPayment call and DropPay.
const (
	MetaType      = "type"
	MetaProfileID = "profile_id"
	MetaUsername  = "username"
	MetaPlan      = "plan"
	MetaPeriod    = "period"
	MetaVersion   = "plan_version"

	paymentTypeSubscription = "subscription"
)

// PrepareRequest asks for the createPayment arguments of a plan purchase.
type PrepareRequest struct {
	Identity      string `json:"-" validate:"required,max=64"`
	Plan          string `json:"plan" validate:"required,oneof=basic premium pro"`
	BillingPeriod string `json:"billing_period" validate:"omitempty,oneof=monthly yearly"`
}

// PaymentIntent holds the arguments of the client createPayment call.
type PaymentIntent struct {
	Amount   decimal.Decimal        `json:"amount"`
	Memo     string                 `json:"memo"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ApproveRequest is sent by onReadyForServerApproval.
type ApproveRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=191"`
	Identity  string `json:"-"`
}

type ApproveResult struct {
	PaymentID       string       `json:"payment_id"`
	State           PaymentState `json:"state"`
	AlreadyApproved bool         `json:"already_approved"`
}

// CompleteRequest is sent by onReadyForServerCompletion. Plan, period and
// amount are optional overrides of the payment metadata.
type CompleteRequest struct {
	PaymentID     string                 `json:"paymentId" validate:"required,max=191"`
	TxID          string                 `json:"txid" validate:"required,max=191"`
	Identity      string                 `json:"-"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Plan          string                 `json:"plan,omitempty" validate:"omitempty,oneof=free basic premium pro"`
	BillingPeriod string                 `json:"billing_period,omitempty" validate:"omitempty,oneof=monthly yearly"`
	Amount        decimal.Decimal        `json:"amount"`
}

// CompletionResult is what a completed payment reports, both on the first
// call and on every later short-circuit.
type CompletionResult struct {
	PaymentID           string          `json:"payment_id"`
	TxID                string          `json:"txid"`
	State               PaymentState    `json:"state"`
	ProfileID           *uuid.UUID      `json:"profile_id,omitempty"`
	Plan                string          `json:"plan,omitempty"`
	BillingPeriod       string          `json:"billing_period,omitempty"`
	Amount              decimal.Decimal `json:"amount"`
	StartDate           *time.Time      `json:"start_date,omitempty"`
	EndDate             *time.Time      `json:"end_date,omitempty"`
	SubscriptionApplied bool            `json:"subscription_applied"`
	ReconcilePending    bool            `json:"reconcile_pending"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

// CancelRequest is sent by onCancel.
type CancelRequest struct {
	PaymentID string `json:"paymentId" validate:"required,max=191"`
	Reason    string `json:"reason,omitempty" validate:"max=500"`
	Identity  string `json:"-"`
}

// FailRequest is sent by onError; the payment id may be missing.
type FailRequest struct {
	PaymentID string `json:"paymentId" validate:"max=191"`
	Reason    string `json:"error" validate:"max=2000"`
	Identity  string `json:"-"`
}

// ExternalCompletion is a payment completed outside the Pi handshake, such
// as a DropPay checkout.
type ExternalCompletion struct {
	Provider      string
	PaymentID     string
	TxID          string
	ProfileID     *uuid.UUID
	Plan          string
	BillingPeriod string
	Amount        decimal.Decimal
	Metadata      map[string]interface{}
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
	SignatureValid  bool
}
