// Package replication implements the Replication Sender (C11): the
// primary's push side of primary/standby state replication. It maintains
// a connection to the standby's replication port and, on request, sends a
// full SYNC_STATE snapshot of the task table, worker set, and Lamport
// clock.
//
// Unlike the agent's job-stream reconnect loop it mirrors in structure,
// this sender uses a fixed reconnect interval rather than exponential
// backoff — the spec ties replication availability directly to T_fo on
// the standby side, so a bounded, predictable retry cadence matters more
// here than backing off under load.
package replication

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

// reconnectInterval is the fixed delay between connection attempts to the
// standby while disconnected.
const reconnectInterval = 5 * time.Second

// Sender owns the primary's outbound connection to the standby and pushes
// SYNC_STATE snapshots over it. The zero value is not usable — create
// instances with New.
type Sender struct {
	addr     string
	store    *task.Store
	registry *workerregistry.Registry
	clock    *clock.Clock
	logger   *zap.Logger

	mu   sync.Mutex
	conn net.Conn // nil while disconnected
}

// New creates a Sender targeting the standby's replication address
// (host:port). The connection is not established until Run starts.
func New(addr string, store *task.Store, registry *workerregistry.Registry, c *clock.Clock, logger *zap.Logger) *Sender {
	return &Sender{
		addr:     addr,
		store:    store,
		registry: registry,
		clock:    c,
		logger:   logger.Named("replication"),
	}
}

// Run maintains the connection to the standby, reconnecting every
// reconnectInterval while disconnected, until ctx is cancelled. Call this
// in its own goroutine.
func (s *Sender) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.connected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectInterval):
				continue
			}
		}

		conn, err := net.Dial("tcp", s.addr)
		if err != nil {
			s.logger.Warn("standby unreachable, will retry", zap.String("addr", s.addr), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectInterval):
			}
			continue
		}

		s.logger.Info("connected to standby", zap.String("addr", s.addr))
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		// Push an initial snapshot immediately so a freshly (re)connected
		// standby isn't stale until the next external mutation.
		s.Push()
	}
}

func (s *Sender) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Push sends a SYNC_STATE envelope built from the current task store,
// worker registry, and clock. Safe to call from any goroutine, including
// concurrently with itself; no-ops silently if the standby connection is
// currently down (Run will re-establish it and push again on reconnect).
func (s *Sender) Push() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	snapshot := wire.SyncState{
		Tasks:   s.store.Snapshot(),
		Workers: s.registry.SnapshotIDs(),
		Clock:   s.clock.Read(),
	}
	env := wire.Envelope{Kind: wire.KindSyncState, Lamport: s.clock.Read(), Payload: wire.SyncStateValue(snapshot)}

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.dropConn(conn, err)
		return
	}
	if err := wire.Encode(conn, env); err != nil {
		s.dropConn(conn, err)
		return
	}
}

func (s *Sender) dropConn(failed net.Conn, err error) {
	s.logger.Warn("replication push failed, dropping connection", zap.Error(err))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == failed {
		s.conn.Close()
		s.conn = nil
	}
}
