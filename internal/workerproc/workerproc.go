// Package workerproc implements the worker binary's side of the wire
// protocol: register, heartbeat, and simulated task execution. The spec
// treats the worker's internal processing as a black box — this mirrors
// the reference behavior of sleeping for a random duration and
// occasionally exiting outright to simulate a crash, grounded on the
// teacher agent's connection.Manager reconnect-loop structure.
package workerproc

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
)

// Config parameterizes one worker's behavior.
type Config struct {
	ID               string
	OrchestratorAddr string
	HeartbeatCadence time.Duration
	ReconnectBackoff time.Duration

	// MinProcessingTime/MaxProcessingTime bound the simulated task
	// execution sleep. CrashProbability is the chance, per task, that the
	// worker exits the process instead of reporting TASK_DONE — a stand-in
	// for an unrecoverable fault.
	MinProcessingTime time.Duration
	MaxProcessingTime time.Duration
	CrashProbability  float64
}

// Worker is one worker process's connection and task-execution state.
type Worker struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Worker. Call Run to start the connect/register/execute loop.
func New(cfg Config, logger *zap.Logger) *Worker {
	return &Worker{cfg: cfg, logger: logger.Named("worker").With(zap.String("worker_id", cfg.ID))}
}

// Run connects, registers, and processes tasks until ctx is cancelled,
// reconnecting with a fixed backoff on any transport failure.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.connect(ctx); err != nil {
			w.logger.Warn("connection to orchestrator failed, retrying", zap.Error(err), zap.Duration("backoff", w.cfg.ReconnectBackoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.cfg.ReconnectBackoff):
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	conn, err := net.Dial("tcp", w.cfg.OrchestratorAddr)
	if err != nil {
		return fmt.Errorf("workerproc: dial: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	if err := w.sendLocked(conn, &writeMu, wire.Envelope{Kind: wire.KindRegisterWorker, Payload: wire.StringValue(w.cfg.ID)}); err != nil {
		return fmt.Errorf("workerproc: register: %w", err)
	}
	w.logger.Info("registered with orchestrator", zap.String("addr", w.cfg.OrchestratorAddr))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- w.heartbeatLoop(sessionCtx, conn, &writeMu) }()
	go func() { errCh <- w.readLoop(sessionCtx, conn, &writeMu) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) error {
	ticker := time.NewTicker(w.cfg.HeartbeatCadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.sendLocked(conn, writeMu, wire.Envelope{Kind: wire.KindHeartbeat, Payload: wire.StringValue(w.cfg.ID)}); err != nil {
				return fmt.Errorf("workerproc: heartbeat: %w", err)
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, conn net.Conn, writeMu *sync.Mutex) error {
	for {
		env, err := wire.Decode(conn)
		if err != nil {
			return fmt.Errorf("workerproc: read: %w", err)
		}
		if env.Kind != wire.KindNewTask {
			w.logger.Debug("unexpected kind from orchestrator, ignoring", zap.String("kind", env.Kind.String()))
			continue
		}

		t, err := wire.ValueToTask(env.Payload)
		if err != nil {
			w.logger.Warn("malformed NEW_TASK payload, ignoring", zap.Error(err))
			continue
		}

		go w.execute(ctx, conn, writeMu, t)
	}
}

// execute simulates running one task: sleep for a random duration within
// [Min,Max]ProcessingTime, then report TASK_DONE — unless the crash roll
// fires first, in which case the whole process exits to simulate an
// unrecoverable worker fault.
func (w *Worker) execute(ctx context.Context, conn net.Conn, writeMu *sync.Mutex, t task.Task) {
	w.logger.Info("executing task", zap.String("task_id", t.ID))

	d := w.cfg.MinProcessingTime
	if span := w.cfg.MaxProcessingTime - w.cfg.MinProcessingTime; span > 0 {
		d += time.Duration(rand.Int63n(int64(span)))
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(d):
	}

	if w.cfg.CrashProbability > 0 && rand.Float64() < w.cfg.CrashProbability {
		w.logger.Error("simulating unrecoverable fault", zap.String("task_id", t.ID))
		os.Exit(1)
	}

	t.Status = task.Done
	done := wire.Envelope{Kind: wire.KindTaskDone, Payload: wire.TaskValue(t)}
	if err := w.sendLocked(conn, writeMu, done); err != nil {
		w.logger.Warn("failed to report task completion", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func (w *Worker) sendLocked(conn net.Conn, writeMu *sync.Mutex, env wire.Envelope) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	return wire.Encode(conn, env)
}
