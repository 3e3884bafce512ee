package jobqueue

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/droplink/droplink-api/internal/pkg/metrics"
)

const (
	DefaultSweepInterval = 5 * time.Minute
	DefaultSweepLimit    = 100
)

// Manager runs the job queue together with the periodic sweep that finds
// payments stuck between network completion and the local write.
type Manager struct {
	queue         *Queue
	sweepInterval time.Duration
	sweepLimit    int
	sweepTicker   *time.Ticker
	stopCh        chan struct{}
	wg            sync.WaitGroup
	mu            sync.Mutex
	running       bool
	log           *logrus.Entry
}

// NewManager creates a manager around queue. A non-positive interval uses
// DefaultSweepInterval.
func NewManager(queue *Queue, sweepInterval time.Duration) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &Manager{
		queue:         queue,
		sweepInterval: sweepInterval,
		sweepLimit:    DefaultSweepLimit,
		stopCh:        make(chan struct{}),
		log:           logrus.WithField("component", "jobqueue_manager"),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and the reconciliation sweep
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	m.queue.Start()

	m.sweepTicker = time.NewTicker(m.sweepInterval)
	m.wg.Add(1)
	go m.sweepWorker()

	m.log.WithField("sweep_interval", m.sweepInterval.String()).Info("started")
}

// Stop stops the sweep and the job queue
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()
	m.log.Info("stopped")
}

func (m *Manager) sweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.sweepTicker.C:
			if _, err := m.SweepOnce(context.Background()); err != nil {
				m.log.WithError(err).Error("reconciliation sweep failed")
			}
		}
	}
}

// SweepOnce enqueues a reconcile job for every stuck payment and returns how
// many were found. Payments already queued are deduplicated by the queue.
func (m *Manager) SweepOnce(ctx context.Context) (int, error) {
	if m.queue.reconciler == nil {
		return 0, nil
	}
	ids, err := m.queue.reconciler.StuckPayments(ctx, m.sweepLimit)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := m.queue.EnqueueReconcile(ctx, id); err != nil {
			return 0, err
		}
	}
	if len(ids) > 0 {
		metrics.ReconciliationTotal.WithLabelValues("swept").Add(float64(len(ids)))
		m.log.WithField("count", len(ids)).Warn("found payments awaiting reconciliation")
	}
	return len(ids), nil
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}
