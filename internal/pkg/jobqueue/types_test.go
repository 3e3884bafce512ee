package jobqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   JobStatus
		expected string
	}{
		{"Pending", JobStatusPending, "pending"},
		{"Processing", JobStatusProcessing, "processing"},
		{"Completed", JobStatusCompleted, "completed"},
		{"Failed", JobStatusFailed, "failed"},
		{"Retrying", JobStatusRetrying, "retrying"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, string(tt.status))
		})
	}
	assert.Equal(t, "reconcile_payment", string(JobTypeReconcilePayment))
}

func TestJob_IsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		job       *Job
		retryable bool
	}{
		{"Failed job with retries remaining", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"Failed job out of retries", &Job{Status: JobStatusFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"Pending job", &Job{Status: JobStatusPending, RetryCount: 0, MaxRetries: 3}, false},
		{"Failed job without retry budget", &Job{Status: JobStatusFailed, RetryCount: 1, MaxRetries: 0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.job.IsRetryable())
		})
	}
}

func TestJob_StatusTransitions(t *testing.T) {
	job := &Job{Status: JobStatusPending, MaxRetries: 3}
	before := time.Now()

	job.MarkAsProcessing()
	assert.Equal(t, JobStatusProcessing, job.Status)
	require.NotNil(t, job.ProcessedAt)
	assert.False(t, job.UpdatedAt.Before(before))

	job.MarkAsFailed("deadlock")
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, "deadlock", job.ErrorMsg)
	assert.Equal(t, 1, job.RetryCount)
	assert.True(t, job.IsRetryable())

	job.MarkAsRetrying()
	assert.Equal(t, JobStatusRetrying, job.Status)

	job.MarkAsCompleted()
	assert.Equal(t, JobStatusCompleted, job.Status)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, job.ErrorMsg)
}

func TestReconcilePaymentJobPayload(t *testing.T) {
	payload, err := ReconcilePaymentJobPayloadFromMap(ReconcilePaymentJobPayload{PaymentID: " pay_1 "}.ToMap())
	require.NoError(t, err)
	assert.Equal(t, "pay_1", payload.PaymentID)

	_, err = ReconcilePaymentJobPayloadFromMap(map[string]interface{}{})
	assert.Error(t, err)

	_, err = ReconcilePaymentJobPayloadFromMap(map[string]interface{}{"payment_id": 42})
	assert.Error(t, err)
}
