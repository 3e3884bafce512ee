package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix       = "job:"
	JobQueueKey        = "job_queue"
	JobProcessingKey   = "job_processing"
	JobStatsKey        = "job_stats"
	ReconcileKeyPrefix = "job_reconcile:"

	// Job settings
	DefaultMaxRetries = 5
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours

	defaultRetryDelay = time.Minute
)

// Reconciler re-applies the local effect of payments the network already
// completed.
type Reconciler interface {
	Reconcile(ctx context.Context, paymentID string) error
	StuckPayments(ctx context.Context, limit int) ([]string, error)
}

// Queue manages background jobs using Redis
type Queue struct {
	client     *redis.Client
	reconciler Reconciler
	workers    int
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	retryDelay time.Duration
	log        *logrus.Entry
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, reconciler Reconciler, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:     client,
		reconciler: reconciler,
		workers:    workers,
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
		retryDelay: defaultRetryDelay,
		log:        logrus.WithField("component", "jobqueue"),
	}
}

// SetReconciler wires the reconciler after construction, since the
// coordinator and the queue reference each other. Call it before Start.
func (q *Queue) SetReconciler(r Reconciler) {
	q.reconciler = r
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	q.log.Infof("starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	// Start workers
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Recovers jobs stuck in processing after a crash
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	q.log.Info("stopping workers")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	q.log.Info("all workers stopped")
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n, err := q.recoverStuckJobs(ctx, maxAge); err != nil {
				q.log.WithError(err).Error("stuck job sweep failed")
			} else if n > 0 {
				q.log.Warnf("recovered %d stuck jobs", n)
			}
		}
	}
}

// recoverStuckJobs moves jobs processing for longer than maxAge back to the
// pending queue.
func (q *Queue) recoverStuckJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	now := time.Now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing or corrupt
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered by sweeper"
		job.UpdatedAt = now
		if err := q.requeueJob(ctx, job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	ctx := context.Background()
	log := q.log.WithField("worker", id)

	for {
		select {
		case <-q.stopCh:
			return
		case <-q.workerPool:
		}

		job, err := q.dequeueJob(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.WithError(err).Error("dequeue failed")
				time.Sleep(time.Second)
			}
			q.workerPool <- struct{}{}
			continue
		}

		if job != nil {
			log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type}).Debug("processing job")
			q.processJob(ctx, job)
		}

		q.workerPool <- struct{}{}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	metrics.JobQueueEvents.WithLabelValues(string(jobType), "enqueued").Inc()
	q.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type}).Info("enqueued job")
	return job, nil
}

// EnqueueReconcile schedules reconciliation of a payment. A payment already
// waiting in the queue is not enqueued twice.
func (q *Queue) EnqueueReconcile(ctx context.Context, paymentID string) error {
	id := strings.TrimSpace(paymentID)
	if id == "" {
		return errors.New("payment id is required")
	}

	marker := ReconcileKeyPrefix + id
	fresh, err := q.client.SetNX(ctx, marker, "queued", JobTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation: %w", err)
	}
	if !fresh {
		metrics.JobQueueEvents.WithLabelValues(string(JobTypeReconcilePayment), "deduplicated").Inc()
		return nil
	}

	job, err := q.EnqueueJob(ctx, JobTypeReconcilePayment, ReconcilePaymentJobPayload{PaymentID: id}.ToMap())
	if err != nil {
		_ = q.client.Del(ctx, marker).Err()
		return err
	}
	_ = q.client.Set(ctx, marker, job.ID, JobTTL).Err()
	return nil
}

// dequeueJob gets the next job from the queue
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	// Move job from pending queue to processing queue atomically
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.removeFromProcessing(ctx, jobID)
		return nil, fmt.Errorf("job %s unreadable: %w", jobID, err)
	}
	return job, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)
	log := q.log.WithFields(logrus.Fields{"job_id": job.ID, "job_type": job.Type})

	var err error
	switch job.Type {
	case JobTypeReconcilePayment:
		err = q.processReconcilePaymentJob(ctx, job)
	default:
		err = fmt.Errorf("unknown job type: %s", job.Type)
	}

	if err != nil {
		log.WithError(err).Warn("job failed")
		job.MarkAsFailed(err.Error())

		if job.IsRetryable() {
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			metrics.JobQueueEvents.WithLabelValues(string(job.Type), "retried").Inc()

			delay := q.retryDelay * time.Duration(job.RetryCount)
			jobID := job.ID
			time.AfterFunc(delay, func() {
				if err := q.client.LPush(context.Background(), JobQueueKey, jobID).Err(); err != nil {
					q.log.WithError(err).WithField("job_id", jobID).Error("failed to requeue job")
				}
			})
		} else {
			log.Errorf("job permanently failed after %d attempts", job.RetryCount)
			q.updateJob(ctx, job)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			metrics.JobQueueEvents.WithLabelValues(string(job.Type), "failed").Inc()
			q.releaseReconcileMarker(ctx, job)
		}
	} else {
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		metrics.JobQueueEvents.WithLabelValues(string(job.Type), "completed").Inc()
		q.releaseReconcileMarker(ctx, job)
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

func (q *Queue) releaseReconcileMarker(ctx context.Context, job *Job) {
	if job.Type != JobTypeReconcilePayment {
		return
	}
	if id, ok := job.Payload["payment_id"].(string); ok && id != "" {
		_ = q.client.Del(ctx, ReconcileKeyPrefix+id).Err()
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		q.log.WithError(err).WithField("job_id", job.ID).Error("failed to marshal job")
		return
	}

	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", job.ID).Error("failed to update job")
	}
}

// requeueJob moves a job back to the pending queue
func (q *Queue) requeueJob(ctx context.Context, job *Job) error {
	q.updateJob(ctx, job)
	if err := q.client.LRem(ctx, JobProcessingKey, 1, job.ID).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", job.ID).Error("failed to remove job from processing")
	}
	return q.client.RPush(ctx, JobQueueKey, job.ID).Err()
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", jobID).Error("failed to remove job from processing queue")
	}
}

func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	if err := q.client.Del(ctx, JobKeyPrefix+jobID).Err(); err != nil {
		q.log.WithError(err).WithField("job_id", jobID).Error("failed to remove completed job")
	}
}

func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		q.log.WithError(err).Error("failed to update job stats")
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
