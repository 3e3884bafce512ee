package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droplink/droplink-api/internal/pkg/billing"
)

type fakeReconciler struct {
	mu    sync.Mutex
	calls map[string]int
	errs  map[string]error
	stuck []string
}

func newFakeReconciler() *fakeReconciler {
	return &fakeReconciler{calls: map[string]int{}, errs: map[string]error{}}
}

func (f *fakeReconciler) Reconcile(_ context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[paymentID]++
	return f.errs[paymentID]
}

func (f *fakeReconciler) StuckPayments(_ context.Context, limit int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stuck) > limit {
		return f.stuck[:limit], nil
	}
	return f.stuck, nil
}

func (f *fakeReconciler) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func newTestQueue(t *testing.T, r Reconciler) (*Queue, *redis.Client) {
	t.Helper()
	client := newIsolatedRedisClient(t, isolatedJobQueueTestRedisDB)
	q := NewQueue(client, r, 1)
	q.retryDelay = 0
	return q, client
}

// TestNewQueue tests the queue constructor
func TestNewQueue(t *testing.T) {
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(nil, nil, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.Equal(t, tt.expectedWorkers, cap(queue.workerPool))
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Equal(t, defaultRetryDelay, queue.retryDelay)
		})
	}
}

func TestConstants(t *testing.T) {
	assert.Equal(t, "job:", JobKeyPrefix)
	assert.Equal(t, "job_queue", JobQueueKey)
	assert.Equal(t, "job_processing", JobProcessingKey)
	assert.Equal(t, "job_stats", JobStatsKey)
	assert.Equal(t, 5, DefaultMaxRetries)
	assert.Equal(t, 24*time.Hour, JobTTL)
}

func TestEnqueueReconcileDeduplicates(t *testing.T) {
	q, client := newTestQueue(t, newFakeReconciler())
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_1"))
	require.NoError(t, q.EnqueueReconcile(ctx, "pay_1"))
	require.NoError(t, q.EnqueueReconcile(ctx, "pay_2"))
	assert.Error(t, q.EnqueueReconcile(ctx, " "))

	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), size)

	jobID, err := client.Get(ctx, ReconcileKeyPrefix+"pay_1").Result()
	require.NoError(t, err)
	job, err := q.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeReconcilePayment, job.Type)
	assert.Equal(t, "pay_1", job.Payload["payment_id"])

	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats[JobStatusPending])
}

func TestProcessJobSuccessRemovesJobAndMarker(t *testing.T) {
	rec := newFakeReconciler()
	q, client := newTestQueue(t, rec)
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_ok"))
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	assert.Equal(t, 1, rec.callCount("pay_ok"))
	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, redis.Nil)
	exists, err := client.Exists(ctx, ReconcileKeyPrefix+"pay_ok").Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)

	// Once done, the same payment may be queued again.
	require.NoError(t, q.EnqueueReconcile(ctx, "pay_ok"))
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestProcessJobRetriesInProgressPayments(t *testing.T) {
	rec := newFakeReconciler()
	rec.errs["pay_busy"] = billing.ErrPaymentInProgress
	q, _ := newTestQueue(t, rec)
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_busy"))
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Contains(t, stored.ErrorMsg, "pay_busy")

	require.Eventually(t, func() bool {
		size, err := q.GetQueueSize(ctx)
		return err == nil && size == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestProcessJobDropsCancelledPayments(t *testing.T) {
	rec := newFakeReconciler()
	rec.errs["pay_gone"] = billing.ErrCancelled
	q, _ := newTestQueue(t, rec)
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_gone"))
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	q.processJob(ctx, job)

	_, err = q.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, redis.Nil)
	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusCompleted])
}

func TestProcessJobPermanentFailure(t *testing.T) {
	q, _ := newTestQueue(t, newFakeReconciler())
	ctx := context.Background()

	job, err := q.EnqueueJob(ctx, JobTypeReconcilePayment, map[string]interface{}{})
	require.NoError(t, err)
	dequeued, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	require.Equal(t, job.ID, dequeued.ID)
	q.processJob(ctx, dequeued)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	stats, err := q.GetJobStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats[JobStatusFailed])
}

func TestRecoverStuckJobs(t *testing.T) {
	q, _ := newTestQueue(t, newFakeReconciler())
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_stuck"))
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	started := time.Now().Add(-time.Hour)
	job.Status = JobStatusProcessing
	job.ProcessedAt = &started
	q.updateJob(ctx, job)

	n, err := q.recoverStuckJobs(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, stored.Status)
	processing, err := q.GetProcessingSize(ctx)
	require.NoError(t, err)
	assert.Zero(t, processing)
	size, err := q.GetQueueSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)
}

func TestQueueWorkersReconcile(t *testing.T) {
	rec := newFakeReconciler()
	q, _ := newTestQueue(t, rec)
	ctx := context.Background()

	q.Start()
	defer q.Stop()
	require.NoError(t, q.EnqueueReconcile(ctx, "pay_async"))

	assert.Eventually(t, func() bool { return rec.callCount("pay_async") == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestProcessJobWithoutReconciler(t *testing.T) {
	q, _ := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.EnqueueReconcile(ctx, "pay_x"))
	job, err := q.dequeueJob(ctx)
	require.NoError(t, err)
	err = q.processReconcilePaymentJob(ctx, job)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, billing.ErrCancelled))
}
