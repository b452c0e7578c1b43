package orchestrator

import (
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
)

type workerState int

const (
	workerAwaitRegister workerState = iota
	workerActive
)

// workerSession implements the Worker Session Handler (C10): an
// AWAIT_REGISTER -> ACTIVE state machine over one connection, plus the
// failure path triggered by a transport error at any point.
type workerSession struct {
	state  *State
	conn   net.Conn
	connID string
	logger *zap.Logger

	phase    workerState
	workerID string
}

func newWorkerSession(s *State, conn net.Conn, connID string) *workerSession {
	return &workerSession{
		state:  s,
		conn:   conn,
		connID: connID,
		logger: s.Logger.Named("worker_session").With(zap.String("conn_id", connID)),
		phase:  workerAwaitRegister,
	}
}

func (w *workerSession) run() {
	w.logger.Info("worker connected", zap.String("remote_addr", w.conn.RemoteAddr().String()))

	for {
		env, err := wire.Decode(w.conn)
		if err != nil {
			w.logger.Info("worker connection ended", zap.Error(err))
			w.onTransportError()
			return
		}
		if env.Lamport > 0 {
			w.state.Clock.Merge(env.Lamport)
		}

		if !w.dispatch(env) {
			w.onTransportError()
			return
		}
	}
}

// onTransportError is a no-op once registration has already evicted and
// re-dispatched via HandleWorkerFailure's own idempotent Remove; it is
// always safe to call since HandleWorkerFailure tolerates an unknown id.
func (w *workerSession) onTransportError() {
	if w.phase == workerActive {
		w.state.Dispatcher.HandleWorkerFailure(w.workerID)
	}
	w.conn.Close()
}

func (w *workerSession) dispatch(env wire.Envelope) bool {
	switch w.phase {
	case workerAwaitRegister:
		return w.handleAwaitRegister(env)
	case workerActive:
		return w.handleActive(env)
	default:
		return false
	}
}

func (w *workerSession) handleAwaitRegister(env wire.Envelope) bool {
	if env.Kind != wire.KindRegisterWorker {
		w.logger.Warn("protocol error: expected REGISTER_WORKER", zap.String("kind", env.Kind.String()))
		return false
	}

	id, err := wire.ValueToString(env.Payload)
	if err != nil || id == "" {
		w.logger.Warn("malformed REGISTER_WORKER payload", zap.Error(err))
		return false
	}

	w.workerID = id
	w.state.Workers.Add(id, w.conn)
	w.phase = workerActive
	w.state.Replication.Push()
	w.logger.Info("worker registered", zap.String("worker_id", id))

	// Absorb the WAITING backlog so a newcomer doesn't sit idle while
	// existing workers churn through the round robin (spec §4.8).
	for _, t := range w.state.Tasks.FilterByStatus(task.Waiting) {
		w.state.Dispatcher.Dispatch(t)
	}
	return true
}

func (w *workerSession) handleActive(env wire.Envelope) bool {
	switch env.Kind {
	case wire.KindHeartbeat:
		// Heartbeats carry no timestamp, so receipt is a local tick.
		w.state.Clock.Tick()
		w.state.Workers.Touch(w.workerID, time.Now())
		return true
	case wire.KindTaskDone:
		return w.handleTaskDone(env)
	default:
		w.logger.Debug("unknown kind in ACTIVE state, ignoring", zap.String("kind", env.Kind.String()))
		return true
	}
}

func (w *workerSession) handleTaskDone(env wire.Envelope) bool {
	done, err := wire.ValueToTask(env.Payload)
	if err != nil {
		w.logger.Warn("malformed TASK_DONE payload, ignoring", zap.Error(err))
		return true
	}

	w.state.Clock.Merge(done.Lamport)
	ts := w.state.Clock.Read()
	updated := w.state.Tasks.Update(done.ID, func(t *task.Task) {
		t.Status = task.Done
		t.WorkerID = ""
		t.Lamport = ts
	})
	if !updated {
		w.logger.Warn("TASK_DONE for unknown task id", zap.String("task_id", done.ID))
		return true
	}

	metrics.LamportClock.Set(float64(ts))
	metrics.ObserveTaskCounts(w.state.Tasks.CountsByStatus())
	w.state.Replication.Push()
	return true
}
