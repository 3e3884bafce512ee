package billing

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("invalid payment request")
	ErrCancelled         = errors.New("payment was cancelled")
	ErrPaymentInProgress = errors.New("payment is being processed by another request")
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrAlreadyCompleted  = errors.New("payment already completed")
	ErrNotConfigured     = errors.New("payment network is not configured")
)

// Phase names the handshake step a payment error belongs to.
type Phase string

const (
	PhaseApproval   Phase = "approval"
	PhaseCompletion Phase = "completion"
	PhaseCancelled  Phase = "cancelled"
)

// PaymentError carries enough context for a caller to retry with the same
// payment id.
type PaymentError struct {
	Phase     Phase
	PaymentID string
	Retryable bool
	Err       error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s failed for payment %s: %v", e.Phase, e.PaymentID, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
