package orchestrator

import (
	"net"

	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/metrics"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
)

type clientState int

const (
	clientAwaitAuth clientState = iota
	clientAuthed
)

// clientSession implements the Client Session Handler (C9): an
// AWAIT_AUTH -> AUTHED state machine over one connection.
type clientSession struct {
	state  *State
	conn   net.Conn
	connID string
	logger *zap.Logger

	phase    clientState
	username string
	token    string
}

func newClientSession(s *State, conn net.Conn, connID string) *clientSession {
	return &clientSession{
		state:  s,
		conn:   conn,
		connID: connID,
		logger: s.Logger.Named("client_session").With(zap.String("conn_id", connID)),
		phase:  clientAwaitAuth,
	}
}

func (c *clientSession) run() {
	defer c.conn.Close()
	c.logger.Info("client connected", zap.String("remote_addr", c.conn.RemoteAddr().String()))

	for {
		env, err := wire.Decode(c.conn)
		if err != nil {
			c.logger.Info("client connection ended", zap.Error(err))
			return
		}
		if env.Lamport > 0 {
			c.state.Clock.Merge(env.Lamport)
		}

		if !c.dispatch(env) {
			return
		}
	}
}

// dispatch handles one envelope. Returns false if the connection must be
// closed (auth failure, protocol error, or invalid token).
func (c *clientSession) dispatch(env wire.Envelope) bool {
	switch c.phase {
	case clientAwaitAuth:
		return c.handleAwaitAuth(env)
	case clientAuthed:
		return c.handleAuthed(env)
	default:
		return false
	}
}

func (c *clientSession) handleAwaitAuth(env wire.Envelope) bool {
	if env.Kind != wire.KindAuthenticate {
		c.logger.Warn("protocol error: expected AUTHENTICATE", zap.String("kind", env.Kind.String()))
		return false
	}

	creds, err := wire.ValueToCredentials(env.Payload)
	if err != nil {
		c.logger.Warn("malformed AUTHENTICATE payload", zap.Error(err))
		return false
	}

	token, err := c.state.Auth.Verify(creds.Username, creds.Password)
	if err != nil {
		c.send(wire.Envelope{Kind: wire.KindAuthFail, Payload: wire.NullValue()})
		c.logger.Info("authentication failed", zap.String("username", creds.Username))
		return false
	}

	c.username = creds.Username
	c.token = token
	c.phase = clientAuthed
	c.send(wire.Envelope{Kind: wire.KindAuthOK, Payload: wire.StringValue(token)})
	c.logger.Info("authentication succeeded", zap.String("username", creds.Username))
	return true
}

func (c *clientSession) handleAuthed(env wire.Envelope) bool {
	user, ok := c.state.Auth.UserOf(env.Token)
	if !ok {
		c.logger.Warn("message with invalid or missing token, closing connection")
		return false
	}

	switch env.Kind {
	case wire.KindSubmitTask:
		return c.handleSubmitTask(user, env)
	case wire.KindQueryStatus:
		return c.handleQueryStatus(env)
	default:
		c.logger.Warn("protocol error: unexpected kind in AUTHED state", zap.String("kind", env.Kind.String()))
		return false
	}
}

func (c *clientSession) handleSubmitTask(user string, env wire.Envelope) bool {
	submitted, err := wire.ValueToTask(env.Payload)
	if err != nil {
		c.logger.Warn("malformed SUBMIT_TASK payload", zap.Error(err))
		return false
	}

	t := task.Task{
		ID:       submitted.ID,
		ClientID: user,
		Payload:  submitted.Payload,
		Status:   task.Waiting,
	}
	c.state.Tasks.Put(t)
	c.state.Dispatcher.Dispatch(t)
	metrics.ObserveTaskCounts(c.state.Tasks.CountsByStatus())
	c.state.Replication.Push()

	c.send(wire.Envelope{Kind: wire.KindTaskAccepted, Payload: wire.StringValue(t.ID)})
	return true
}

func (c *clientSession) handleQueryStatus(env wire.Envelope) bool {
	id, err := wire.ValueToString(env.Payload)
	if err != nil {
		c.logger.Warn("malformed QUERY_STATUS payload", zap.Error(err))
		return false
	}

	t, found := c.state.Tasks.Get(id)
	if !found {
		c.send(wire.Envelope{Kind: wire.KindStatusReply, Payload: wire.NullValue()})
		return true
	}
	c.send(wire.Envelope{Kind: wire.KindStatusReply, Payload: wire.TaskValue(t)})
	return true
}

func (c *clientSession) send(env wire.Envelope) {
	env.Lamport = c.state.Clock.Tick()
	if err := wire.Encode(c.conn, env); err != nil {
		c.logger.Warn("failed to write reply to client", zap.Error(err))
	}
}
