package replication

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/clock"
	"github.com/taskgrid/taskgrid/internal/task"
	"github.com/taskgrid/taskgrid/internal/wire"
	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestPushBeforeConnectionIsANoOp(t *testing.T) {
	s := New("127.0.0.1:1", task.NewStore(), workerregistry.New(zap.NewNop()), clock.New(), zap.NewNop())
	s.Push() // must not panic or block
}

func TestRunConnectsAndPushesInitialSnapshot(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	store := task.NewStore()
	store.Put(task.Task{ID: "t1", Status: task.Waiting})
	reg := workerregistry.New(zap.NewNop())
	c := clock.New()
	c.Tick()

	s := New(ln.Addr().String(), store, reg, c, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("standby never accepted a connection")
	}

	env, err := wire.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, wire.KindSyncState, env.Kind)

	st, err := wire.ValueToSyncState(env.Payload)
	require.NoError(t, err)
	assert.Contains(t, st.Tasks, "t1")
	assert.Equal(t, uint64(1), st.Clock)
}

func TestPushAfterConnectionDropIsSilentNoOp(t *testing.T) {
	ln := listen(t)
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	s := New(ln.Addr().String(), task.NewStore(), workerregistry.New(zap.NewNop()), clock.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("standby never accepted a connection")
	}
	// Drain the initial push so the server-side socket buffer doesn't back up.
	_, err := wire.Decode(conn)
	require.NoError(t, err)

	conn.Close()

	// The first write or two after the peer closes may still succeed at the
	// TCP layer before the RST arrives; keep pushing until one fails and
	// clears the connection.
	assert.Eventually(t, func() bool {
		s.Push()
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn == nil
	}, 3*time.Second, 20*time.Millisecond, "a failed push must eventually drop the dead connection")
}
