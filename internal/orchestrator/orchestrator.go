// Package orchestrator wires the Lamport clock, task store, auth
// registry, worker registry, dispatcher, and replication sender into the
// primary's two accept loops (client port, worker port) and owns the
// per-connection session handlers (C9, C10).
package orchestrator

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/auth"
	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

// Replicator is pushed to after every state-mutating event, per spec §4.10.
type Replicator interface {
	Push()
}

// State is the process-wide object graph — the single "OrchestratorState
// value owned by the top-level runtime" the design notes call for,
// rather than true package-level globals.
type State struct {
	Clock       *clock.Clock
	Tasks       *task.Store
	Auth        *auth.Registry
	Workers     *workerregistry.Registry
	Dispatcher  *dispatch.Dispatcher
	Replication Replicator
	Logger      *zap.Logger
}

// New assembles a State from its already-constructed parts.
func New(c *clock.Clock, tasks *task.Store, authReg *auth.Registry, workers *workerregistry.Registry, d *dispatch.Dispatcher, repl Replicator, logger *zap.Logger) *State {
	return &State{
		Clock:       c,
		Tasks:       tasks,
		Auth:        authReg,
		Workers:     workers,
		Dispatcher:  d,
		Replication: repl,
		Logger:      logger.Named("orchestrator"),
	}
}

// ServeClients accepts connections on ln, handing each to a fresh client
// session handler on its own goroutine. Blocks until ln is closed.
func (s *State) ServeClients(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("orchestrator: client accept: %w", err)
		}
		connID := uuid.NewString()
		go newClientSession(s, conn, connID).run()
	}
}

// ServeWorkers accepts connections on ln, handing each to a fresh worker
// session handler on its own goroutine. Blocks until ln is closed.
func (s *State) ServeWorkers(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("orchestrator: worker accept: %w", err)
		}
		connID := uuid.NewString()
		go newWorkerSession(s, conn, connID).run()
	}
}
