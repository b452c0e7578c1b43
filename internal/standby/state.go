// Package standby implements the Replication Receiver and Failover
// Detector (C12): the read side of primary/standby replication, and the
// watchdog that decides when the standby must take over.
package standby

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
)

// State is the standby's local, replicated copy of the primary's task
// table, worker set, and Lamport clock. It is overwritten wholesale by
// every SYNC_STATE received — there is no incremental merge, matching the
// primary's "send a full snapshot on every mutation" design. It also
// tracks lastSync, the wall-clock time of the most recently applied
// snapshot, which the Failover Detector (§4.11) watches for staleness.
type State struct {
	mu       sync.RWMutex
	tasks    map[string]task.Task
	workers  []string
	clock    uint64
	lastSync time.Time
}

// NewState creates an empty State.
func NewState() *State {
	return &State{tasks: make(map[string]task.Task)}
}

// Apply replaces the held snapshot with s and stamps lastSync. Called once
// per received SYNC_STATE envelope.
func (st *State) Apply(s wire.SyncState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tasks = s.Tasks
	st.workers = s.Workers
	st.clock = s.Clock
	st.lastSync = time.Now()
}

// LastSync returns the wall-clock time of the most recently applied
// sync_state snapshot, or the zero Time if none has ever been applied.
func (st *State) LastSync() time.Time {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.lastSync
}

// Snapshot returns an independent copy of the currently held state; later
// calls to Apply do not change it.
func (st *State) Snapshot() wire.SyncState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	tasks := make(map[string]task.Task, len(st.tasks))
	for id, t := range st.tasks {
		tasks[id] = t
	}
	workers := make([]string, len(st.workers))
	copy(workers, st.workers)
	return wire.SyncState{Tasks: tasks, Workers: workers, Clock: st.clock}
}

// Receiver accepts connections from the primary's Replication Sender and
// applies every SYNC_STATE it decodes to a State.
type Receiver struct {
	state  *State
	logger *zap.Logger
}

// NewReceiver creates a Receiver that applies incoming snapshots to state.
func NewReceiver(state *State, logger *zap.Logger) *Receiver {
	return &Receiver{state: state, logger: logger.Named("standby.receiver")}
}

// Serve accepts connections on ln until it is closed, handling each on its
// own goroutine. A primary is expected to hold at most one connection open
// at a time, but Serve does not enforce that — a second connection simply
// also updates the same State.
func (r *Receiver) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("standby: accept: %w", err)
		}
		go r.handle(conn)
	}
}

func (r *Receiver) handle(conn net.Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	r.logger.Info("primary connected", zap.String("peer", peer))

	for {
		env, err := wire.Decode(conn)
		if err != nil {
			r.logger.Info("primary connection closed", zap.String("peer", peer), zap.Error(err))
			return
		}
		if env.Kind != wire.KindSyncState {
			r.logger.Warn("unexpected envelope on replication port", zap.String("kind", env.Kind.String()))
			continue
		}
		snap, err := wire.ValueToSyncState(env.Payload)
		if err != nil {
			r.logger.Warn("malformed sync_state payload", zap.Error(err))
			continue
		}
		r.state.Apply(snap)
		r.logger.Debug("applied sync_state", zap.Int("tasks", len(snap.Tasks)), zap.Int("workers", len(snap.Workers)), zap.Uint64("clock", snap.Clock))
	}
}
