// Package dispatch implements the Dispatcher (C7) and the worker-failure
// handler it shares with the Worker Session Handler (C10). Both operations
// mutate the round-robin cursor and reassign tasks, so they share one lock
// to prevent cursor corruption and double-reassignment of a task (spec §5).
package dispatch

import (
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

// Replicator is the subset of the replication sender the dispatcher needs:
// a fire-and-forget push of the current global state. Defined here (rather
// than importing the replication package) to keep dispatch decoupled from
// the replication transport.
type Replicator interface {
	Push()
}

// Dispatcher picks the next worker round-robin and sends NEW_TASK, and
// owns the failure-handling path that redistributes a dead worker's
// in-flight tasks.
type Dispatcher struct {
	mu       chan struct{} // 1-buffered: acts as the dispatch/failure mutual-exclusion lock
	registry *workerregistry.Registry
	store    *task.Store
	clock    *clock.Clock
	repl     Replicator
	logger   *zap.Logger
}

// New creates a Dispatcher wired to the given registry, task store, clock,
// and replication sender.
func New(registry *workerregistry.Registry, store *task.Store, c *clock.Clock, repl Replicator, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		mu:       make(chan struct{}, 1),
		registry: registry,
		store:    store,
		clock:    c,
		repl:     repl,
		logger:   logger.Named("dispatch"),
	}
	d.mu <- struct{}{}
	return d
}

func (d *Dispatcher) lock()   { <-d.mu }
func (d *Dispatcher) unlock() { d.mu <- struct{}{} }

// Dispatch attempts to assign t to the next round-robin worker. If no
// workers are registered, t stays (or becomes) WAITING — submission still
// succeeds, per the NoWorkers error-taxonomy entry. If the send to the
// chosen worker fails, HandleWorkerFailure runs for that worker, which
// transitively redispatches t to another worker if one exists.
func (d *Dispatcher) Dispatch(t task.Task) {
	d.lock()
	defer d.unlock()
	d.dispatchLocked(t)
}

// dispatchLocked assumes the caller already holds the dispatch lock. It
// must never be called except from Dispatch or from within the failure
// handler's redistribution loop (itself already holding the lock).
func (d *Dispatcher) dispatchLocked(t task.Task) {
	id, ok := d.registry.Next()
	if !ok {
		d.store.Update(t.ID, func(tt *task.Task) { tt.Status = task.Waiting })
		d.logger.Debug("no workers registered, task stays waiting", zap.String("task_id", t.ID))
		metrics.ObserveTaskCounts(d.store.CountsByStatus())
		return
	}

	info, ok := d.registry.Get(id)
	if !ok {
		// Next() and Get() are not atomic together; the worker vanished in
		// between (e.g. liveness eviction raced us). Treat exactly like a
		// send failure against that id.
		d.failWorkerLocked(id)
		return
	}

	ts := d.clock.Tick()
	d.store.Update(t.ID, func(tt *task.Task) {
		tt.Status = task.Running
		tt.WorkerID = id
		tt.Lamport = ts
	})
	updated, _ := d.store.Get(t.ID)

	env := wire.Envelope{Kind: wire.KindNewTask, Lamport: d.clock.Read(), Payload: wire.TaskValue(updated)}
	if err := info.Send(env); err != nil {
		d.logger.Warn("dispatch send failed, reassigning", zap.String("worker_id", id), zap.String("task_id", t.ID), zap.Error(err))
		d.failWorkerLocked(id)
		return
	}

	d.logger.Info("task dispatched", zap.String("task_id", t.ID), zap.String("worker_id", id))
	metrics.DispatchesTotal.Inc()
	metrics.LamportClock.Set(float64(d.clock.Read()))
	metrics.ObserveTaskCounts(d.store.CountsByStatus())
	d.repl.Push()
}

// HandleWorkerFailure evicts a worker and redistributes every task it was
// running. Safe to call from the liveness monitor or a worker session's
// transport-error path; it takes the same lock Dispatch uses so the two
// never race the cursor or double-assign a task.
func (d *Dispatcher) HandleWorkerFailure(workerID string) {
	d.lock()
	defer d.unlock()
	d.failWorkerLocked(workerID)
}

func (d *Dispatcher) failWorkerLocked(workerID string) {
	d.registry.Remove(workerID)
	metrics.WorkerFailuresTotal.Inc()

	// Snapshot first (spec §4.8 ordering note): dispatchLocked below may
	// reassign tasks to other workers before this loop completes, and
	// must not re-enter on a live, mutating view of the store.
	orphaned := d.store.AssignedTo(workerID)

	d.logger.Warn("worker declared dead, redistributing tasks",
		zap.String("worker_id", workerID), zap.Int("task_count", len(orphaned)))

	for _, t := range orphaned {
		d.store.Update(t.ID, func(tt *task.Task) {
			tt.Status = task.Waiting
			tt.WorkerID = ""
		})
		waiting, _ := d.store.Get(t.ID)
		d.dispatchLocked(waiting)
	}

	d.repl.Push()
}
