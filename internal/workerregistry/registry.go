// Package workerregistry implements the Worker Registry (C5): the set of
// live workers, each with its own send sink, last-heartbeat time, and a
// shared round-robin cursor.
//
// One mutex protects the membership list, the id map, and the cursor.
// Writes to a worker's own connection are explicitly NOT under that
// mutex — they are serialized per-worker by a lock owned by the
// WorkerInfo itself, so concurrent dispatch to two distinct workers
// proceeds in parallel while two concurrent dispatches to the same
// worker still serialize (spec §5).
package workerregistry

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/wire"
)

// writeTimeout bounds how long a single envelope write to a worker may
// block before it is treated as a send failure.
const writeTimeout = 5 * time.Second

// WorkerInfo is everything the registry owns about one connected worker.
// The net.Conn is opened and read by the corresponding worker session
// handler; closing it on eviction is the registry's prerogative.
type WorkerInfo struct {
	ID   string
	conn net.Conn

	writeMu sync.Mutex // the "per-worker lock" from §5

	hbMu          sync.Mutex
	lastHeartbeat time.Time
}

// Send writes env to this worker's connection, serialized against any
// other concurrent write to the same connection. This is the operation
// the Dispatcher calls; a non-nil error means the worker is unreachable
// and the caller must trigger failure handling.
func (w *WorkerInfo) Send(env wire.Envelope) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("workerregistry: setting write deadline for %s: %w", w.ID, err)
	}
	if err := wire.Encode(w.conn, env); err != nil {
		return fmt.Errorf("workerregistry: sending to %s: %w", w.ID, err)
	}
	return nil
}

func (w *WorkerInfo) touch(now time.Time) {
	w.hbMu.Lock()
	w.lastHeartbeat = now
	w.hbMu.Unlock()
}

func (w *WorkerInfo) lastHeartbeatAt() time.Time {
	w.hbMu.Lock()
	defer w.hbMu.Unlock()
	return w.lastHeartbeat
}

// Snapshot is an independent, point-in-time view of one worker, used by
// the liveness monitor and replication so callers never race a live
// WorkerInfo.
type Snapshot struct {
	ID            string
	LastHeartbeat time.Time
}

// Registry is the in-memory set of connected workers. The zero value is
// not usable — create instances with New.
type Registry struct {
	mu     sync.Mutex
	order  []string // registration order — round-robin and backlog order
	byID   map[string]*WorkerInfo
	cursor int
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		byID:   make(map[string]*WorkerInfo),
		logger: logger.Named("workerregistry"),
	}
}

// Add registers a worker, wrapping conn in a WorkerInfo with a fresh
// heartbeat timestamp. If id is already registered, the previous entry is
// evicted first (its connection is closed) and removed from the
// round-robin order before the new one is appended — eviction-first,
// resolving the "duplicate worker id" open question from spec §9 so a
// reconnect can never double-count a worker in the round-robin cycle.
func (r *Registry) Add(id string, conn net.Conn) *WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.byID[id]; exists {
		r.logger.Warn("replacing existing worker connection", zap.String("worker_id", id))
		old.conn.Close()
		r.removeLocked(id)
	}

	info := &WorkerInfo{ID: id, conn: conn, lastHeartbeat: time.Now()}
	r.byID[id] = info
	r.order = append(r.order, id)
	metrics.WorkersConnected.Set(float64(len(r.order)))

	r.logger.Info("worker registered", zap.String("worker_id", id), zap.Int("total_workers", len(r.order)))
	return info
}

// Remove evicts a worker and closes its connection. Safe to call for an
// id that is not present (no-op) — races between transport-error eviction
// and liveness-monitor eviction are expected.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) {
	info, exists := r.byID[id]
	if !exists {
		return
	}
	delete(r.byID, id)
	info.conn.Close()

	for i, wid := range r.order {
		if wid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	// I2: 0 <= cursor < len(order) whenever order is non-empty, else 0.
	if len(r.order) == 0 {
		r.cursor = 0
	} else {
		r.cursor %= len(r.order)
	}
	metrics.WorkersConnected.Set(float64(len(r.order)))

	r.logger.Info("worker removed", zap.String("worker_id", id), zap.Int("total_workers", len(r.order)))
}

// Next returns the next worker id in round-robin order and advances the
// cursor, or (_, false) if no workers are registered.
func (r *Registry) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) == 0 {
		r.cursor = 0
		return "", false
	}
	id := r.order[r.cursor]
	r.cursor = (r.cursor + 1) % len(r.order)
	return id, true
}

// Get returns the WorkerInfo for id, or false if not registered.
func (r *Registry) Get(id string) (*WorkerInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.byID[id]
	return w, ok
}

// Touch updates a worker's last-heartbeat timestamp if it is still
// registered. A no-op for a worker that has already been evicted.
func (r *Registry) Touch(id string, now time.Time) {
	r.mu.Lock()
	w, ok := r.byID[id]
	r.mu.Unlock()
	if ok {
		w.touch(now)
	}
}

// Len returns the current number of registered workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// SnapshotIDs returns the current worker ids in round-robin order, for
// replication.
func (r *Registry) SnapshotIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Snapshot returns a stable, point-in-time view of every registered
// worker's heartbeat state, for the liveness monitor.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	infos := make([]*WorkerInfo, len(ids))
	for i, id := range ids {
		infos[i] = r.byID[id]
	}
	r.mu.Unlock()

	out := make([]Snapshot, len(ids))
	for i, id := range ids {
		out[i] = Snapshot{ID: id, LastHeartbeat: infos[i].lastHeartbeatAt()}
	}
	return out
}
