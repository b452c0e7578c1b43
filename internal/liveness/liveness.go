// Package liveness implements the Liveness Monitor (C8): a periodic scan
// that declares a worker dead once it has gone too long without a
// heartbeat, handing it to the Dispatcher's failure path for eviction and
// task redistribution.
package liveness

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

// FailureHandler is the subset of the Dispatcher the monitor needs.
type FailureHandler interface {
	HandleWorkerFailure(workerID string)
}

// Monitor wraps a gocron scheduler running one singleton-mode job that
// scans the worker registry every interval and evicts anything stale.
type Monitor struct {
	cron      gocron.Scheduler
	registry  *workerregistry.Registry
	dispatch  FailureHandler
	threshold time.Duration
	logger    *zap.Logger
}

// New creates a Monitor. threshold is T_hb: a worker whose last heartbeat
// is older than this, as of a given scan, is declared dead.
func New(registry *workerregistry.Registry, dispatch FailureHandler, threshold time.Duration, logger *zap.Logger) (*Monitor, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("liveness: creating scheduler: %w", err)
	}
	return &Monitor{
		cron:      s,
		registry:  registry,
		dispatch:  dispatch,
		threshold: threshold,
		logger:    logger.Named("liveness"),
	}, nil
}

// interval is how often the scan runs. Spec §4.8 ties this to T_hb; running
// the scan twice as often as the threshold catches a stale worker within
// half a heartbeat period of it expiring, without busy-looping.
func (m *Monitor) interval() time.Duration {
	d := m.threshold / 2
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Start schedules the scan job and starts the underlying gocron scheduler.
func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(m.interval()),
		gocron.NewTask(m.scan),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("liveness: scheduling scan job: %w", err)
	}
	m.cron.Start()
	m.logger.Info("liveness monitor started", zap.Duration("threshold", m.threshold), zap.Duration("interval", m.interval()))
	return nil
}

// Stop shuts down the scan job, waiting for an in-flight scan to finish.
func (m *Monitor) Stop() error {
	if err := m.cron.Shutdown(); err != nil {
		return fmt.Errorf("liveness: shutdown: %w", err)
	}
	return nil
}

// scan is the job body: one pass over the registry, evicting anything
// whose last heartbeat predates now-threshold. Singleton mode guarantees
// this never overlaps itself, so HandleWorkerFailure is never called
// concurrently for the same worker from two scan ticks.
func (m *Monitor) scan() {
	now := time.Now()
	for _, snap := range m.registry.Snapshot() {
		if now.Sub(snap.LastHeartbeat) > m.threshold {
			m.logger.Warn("worker missed heartbeat deadline, declaring dead",
				zap.String("worker_id", snap.ID),
				zap.Duration("since_last_heartbeat", now.Sub(snap.LastHeartbeat)))
			m.dispatch.HandleWorkerFailure(snap.ID)
		}
	}
}
