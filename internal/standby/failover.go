package standby

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/metrics"
)

// phase is the Failover Detector's own state machine: REPLICATING while
// sync_state arrives well within T_fo, SUSPECT once lag passes the
// halfway mark, FAILED_OVER once lag exceeds T_fo outright.
type phase int

const (
	phaseReplicating phase = iota
	phaseSuspect
	phaseFailedOver
)

func (p phase) String() string {
	switch p {
	case phaseReplicating:
		return "REPLICATING"
	case phaseSuspect:
		return "SUSPECT"
	case phaseFailedOver:
		return "FAILED_OVER"
	default:
		return "UNKNOWN"
	}
}

// OnFailover is invoked exactly once, the moment the detector transitions
// to FAILED_OVER.
type OnFailover func()

// SyncTracker reports when the standby last applied a replicated
// sync_state snapshot. *State satisfies this.
type SyncTracker interface {
	LastSync() time.Time
}

// FailoverDetector implements spec §4.11: it watches how long it has been
// since the standby last applied a sync_state snapshot and declares the
// primary failed once that lag exceeds T_fo. A TCP probe of the primary's
// ports is taken at that point purely to annotate the log line — it is not
// part of the failure decision, since a wedged primary can keep accepting
// handshakes on an open socket long after it has stopped pushing state.
type FailoverDetector struct {
	cron        gocron.Scheduler
	tracker     SyncTracker
	primaryAddr []string // one or more host:port probe targets, for diagnostics only
	timeout     time.Duration
	dialTimeout time.Duration
	onFailover  OnFailover
	logger      *zap.Logger
	start       time.Time // process start, used as the sync baseline until the first snapshot lands

	mu sync.Mutex
	ph phase
}

// New creates a FailoverDetector. timeout is T_fo: the longest gap between
// applied sync_state snapshots before the standby declares the primary
// failed. probeAddrs are the primary's ports dialed for diagnostic logging
// once the lag has already exceeded timeout.
func New(probeAddrs []string, tracker SyncTracker, timeout time.Duration, onFailover OnFailover, logger *zap.Logger) (*FailoverDetector, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("standby: creating failover scheduler: %w", err)
	}
	return &FailoverDetector{
		cron:        s,
		tracker:     tracker,
		primaryAddr: probeAddrs,
		timeout:     timeout,
		dialTimeout: 2 * time.Second,
		onFailover:  onFailover,
		logger:      logger.Named("standby.failover"),
		start:       time.Now(),
		ph:          phaseReplicating,
	}, nil
}

// interval between scans: half of T_fo, per spec §4.8's liveness-style
// scan cadence.
func (d *FailoverDetector) interval() time.Duration {
	iv := d.timeout / 2
	if iv < time.Second {
		iv = time.Second
	}
	return iv
}

// Start schedules the lag scan and starts the scheduler.
func (d *FailoverDetector) Start() error {
	_, err := d.cron.NewJob(
		gocron.DurationJob(d.interval()),
		gocron.NewTask(d.scan),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("standby: scheduling failover scan: %w", err)
	}
	d.cron.Start()
	d.logger.Info("failover detector started", zap.Duration("t_fo", d.timeout), zap.Strings("probe_addrs", d.primaryAddr))
	return nil
}

// Stop shuts down the scan job.
func (d *FailoverDetector) Stop() error {
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("standby: failover detector shutdown: %w", err)
	}
	return nil
}

func (d *FailoverDetector) primaryReachable() bool {
	for _, addr := range d.primaryAddr {
		conn, err := net.DialTimeout("tcp", addr, d.dialTimeout)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// scan checks how long it has been since the last applied sync_state
// (falling back to process start if none has landed yet) and gates
// everything else on that staleness, per spec §4.11. Failover is
// single-shot: the moment lag exceeds T_fo, this same scan promotes the
// standby rather than waiting out a further confirmation window.
func (d *FailoverDetector) scan() {
	d.mu.Lock()
	if d.ph == phaseFailedOver {
		d.mu.Unlock()
		return // already promoted; nothing left to detect
	}
	d.mu.Unlock()

	last := d.tracker.LastSync()
	if last.IsZero() {
		last = d.start
	}
	lag := time.Since(last)
	metrics.ReplicationLagSeconds.Set(lag.Seconds())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ph == phaseFailedOver {
		return
	}

	switch {
	case lag <= d.timeout/2:
		d.ph = phaseReplicating

	case lag <= d.timeout:
		if d.ph != phaseSuspect {
			d.logger.Warn("replication lag rising", zap.Duration("lag", lag))
		}
		d.ph = phaseSuspect

	default:
		alive := d.primaryReachable()
		d.ph = phaseFailedOver
		d.logger.Error("replication stale past failover timeout, promoting standby",
			zap.Duration("lag", lag), zap.Bool("primary_probe_reachable", alive))
		d.onFailover()
	}
}

// Phase reports the detector's current state machine position, mainly for
// tests and the admin surface.
func (d *FailoverDetector) Phase() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ph.String()
}

// DefaultOnFailover prints the standard takeover banner and exits the
// process with status 0. The standby does not start serving clients or
// workers itself; promotion is left to whatever supervises this binary
// (systemd, a process manager, an operator).
func DefaultOnFailover() {
	fmt.Println("=================================================")
	fmt.Println(" PRIMARY UNREACHABLE — STANDBY ASSUMING CONTROL")
	fmt.Println("=================================================")
	os.Exit(0)
}
