package orchestrator

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/auth"
	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/dispatch"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

type nopRepl struct{}

func (nopRepl) Push() {}

func newTestState(t *testing.T) (*State, *auth.Registry) {
	t.Helper()
	authReg, err := auth.New(map[string]string{"cliente1": "senha123"}, []byte("secret"), zap.NewNop())
	require.NoError(t, err)

	workers := workerregistry.New(zap.NewNop())
	tasks := task.NewStore()
	c := clock.New()
	d := dispatch.New(workers, tasks, c, nopRepl{}, zap.NewNop())

	return New(c, tasks, authReg, workers, d, nopRepl{}, zap.NewNop()), authReg
}

func clientPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	srv, cli := net.Pipe()
	t.Cleanup(func() { srv.Close(); cli.Close() })
	return srv, cli
}

func recvWithTimeout(t *testing.T, conn net.Conn) wire.Envelope {
	t.Helper()
	type result struct {
		env wire.Envelope
		err error
	}
	ch := make(chan result, 1)
	go func() {
		env, err := wire.Decode(conn)
		ch <- result{env, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return wire.Envelope{}
	}
}

func TestClientSessionAuthSuccessThenSubmitAndQuery(t *testing.T) {
	s, _ := newTestState(t)
	srv, cli := clientPipe(t)
	go newClientSession(s, srv, "c1").run()

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindAuthenticate,
		Payload: wire.CredentialsValue(wire.Credentials{Username: "cliente1", Password: "senha123"}),
	}))
	authOK := recvWithTimeout(t, cli)
	assert.Equal(t, wire.KindAuthOK, authOK.Kind)
	token, err := wire.ValueToString(authOK.Payload)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:  wire.KindSubmitTask,
		Token: token,
		Payload: wire.TaskValue(task.Task{ID: "T-aaa", Payload: "x"}),
	}))
	accepted := recvWithTimeout(t, cli)
	assert.Equal(t, wire.KindTaskAccepted, accepted.Kind)
	id, err := wire.ValueToString(accepted.Payload)
	require.NoError(t, err)
	assert.Equal(t, "T-aaa", id)

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindQueryStatus,
		Token:   token,
		Payload: wire.StringValue("T-aaa"),
	}))
	status := recvWithTimeout(t, cli)
	assert.Equal(t, wire.KindStatusReply, status.Kind)
	got, err := wire.ValueToTask(status.Payload)
	require.NoError(t, err)
	assert.Equal(t, "T-aaa", got.ID)
	assert.Equal(t, task.Waiting, got.Status, "no workers registered, stays waiting")
}

func TestClientSessionAuthFailureClosesConnection(t *testing.T) {
	s, _ := newTestState(t)
	srv, cli := clientPipe(t)
	go newClientSession(s, srv, "c1").run()

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindAuthenticate,
		Payload: wire.CredentialsValue(wire.Credentials{Username: "cliente1", Password: "wrong"}),
	}))
	fail := recvWithTimeout(t, cli)
	assert.Equal(t, wire.KindAuthFail, fail.Kind)

	_, err := wire.Decode(cli)
	assert.Error(t, err, "connection must be closed after AUTH_FAIL")
}

func TestClientSessionQueryUnknownTaskRepliesWithNullPayload(t *testing.T) {
	s, _ := newTestState(t)
	srv, cli := clientPipe(t)
	go newClientSession(s, srv, "c1").run()

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindAuthenticate,
		Payload: wire.CredentialsValue(wire.Credentials{Username: "cliente1", Password: "senha123"}),
	}))
	authOK := recvWithTimeout(t, cli)
	token, _ := wire.ValueToString(authOK.Payload)

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindQueryStatus,
		Token:   token,
		Payload: wire.StringValue("does-not-exist"),
	}))
	reply := recvWithTimeout(t, cli)
	assert.Equal(t, wire.KindStatusReply, reply.Kind)
	_, err := wire.ValueToTask(reply.Payload)
	assert.Error(t, err, "null payload does not decode as a task")
}

func TestClientSessionInvalidTokenClosesConnection(t *testing.T) {
	s, _ := newTestState(t)
	srv, cli := clientPipe(t)
	go newClientSession(s, srv, "c1").run()

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindAuthenticate,
		Payload: wire.CredentialsValue(wire.Credentials{Username: "cliente1", Password: "senha123"}),
	}))
	recvWithTimeout(t, cli)

	require.NoError(t, wire.Encode(cli, wire.Envelope{
		Kind:    wire.KindQueryStatus,
		Token:   "garbage-token",
		Payload: wire.StringValue("T-aaa"),
	}))

	_, err := wire.Decode(cli)
	assert.Error(t, err, "an invalid token must close the connection with no reply")
}
