package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/droplink/droplink-api/internal/pkg/billing"
)

// processReconcilePaymentJob re-applies the subscription write of a payment
// the Pi network already completed. Payments that vanished or were cancelled
// are dropped; everything else is retried.
func (q *Queue) processReconcilePaymentJob(ctx context.Context, job *Job) error {
	payload, err := ReconcilePaymentJobPayloadFromMap(job.Payload)
	if err != nil {
		job.MaxRetries = 0
		return fmt.Errorf("invalid reconcile payload: %w", err)
	}
	if q.reconciler == nil {
		return errors.New("no reconciler configured")
	}

	err = q.reconciler.Reconcile(ctx, payload.PaymentID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, billing.ErrPaymentNotFound), errors.Is(err, billing.ErrCancelled):
		q.log.WithError(err).WithField("payment_id", payload.PaymentID).Warn("dropping reconcile job")
		return nil
	default:
		return fmt.Errorf("reconcile payment %s: %w", payload.PaymentID, err)
	}
}
