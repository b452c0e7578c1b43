package workerregistry

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/wire"
)

func pipeConn(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestNextEmptyReturnsFalse(t *testing.T) {
	r := New(zap.NewNop())
	_, ok := r.Next()
	assert.False(t, ok)
}

func TestRoundRobinCyclesInRegistrationOrder(t *testing.T) {
	r := New(zap.NewNop())
	serverA, _ := pipeConn(t)
	serverB, _ := pipeConn(t)
	r.Add("w1", serverA)
	r.Add("w2", serverB)

	var seq []string
	for i := 0; i < 5; i++ {
		id, ok := r.Next()
		require.True(t, ok)
		seq = append(seq, id)
	}
	assert.Equal(t, []string{"w1", "w2", "w1", "w2", "w1"}, seq)
}

func TestRemoveLastElementResetsCursorToZero(t *testing.T) {
	r := New(zap.NewNop())
	serverA, _ := pipeConn(t)
	r.Add("w1", serverA)
	r.Next() // cursor advances to 0 again (only one worker)

	r.Remove("w1")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.cursor)

	_, ok := r.Next()
	assert.False(t, ok)
}

func TestDuplicateRegistrationEvictsPreviousFirst(t *testing.T) {
	r := New(zap.NewNop())
	serverA, clientA := pipeConn(t)
	r.Add("w1", serverA)

	serverB, _ := pipeConn(t)
	r.Add("w1", serverB)

	assert.Equal(t, 1, r.Len(), "re-registration must not double-count in round robin")

	// The old connection was closed by the registry.
	_, err := clientA.Write([]byte("x"))
	assert.Error(t, err)
}

func TestCursorStaysValidAfterRemovalOfNonTailWorker(t *testing.T) {
	r := New(zap.NewNop())
	sA, _ := pipeConn(t)
	sB, _ := pipeConn(t)
	sC, _ := pipeConn(t)
	r.Add("w1", sA)
	r.Add("w2", sB)
	r.Add("w3", sC)

	r.Next() // w1, cursor -> 1

	r.Remove("w2")

	id, ok := r.Next()
	require.True(t, ok)
	assert.Contains(t, []string{"w1", "w3"}, id)
}

func TestTouchUpdatesHeartbeatForKnownWorker(t *testing.T) {
	r := New(zap.NewNop())
	sA, _ := pipeConn(t)
	r.Add("w1", sA)

	past := time.Now().Add(-time.Hour)
	r.Touch("w1", past)

	snaps := r.Snapshot()
	require.Len(t, snaps, 1)
	assert.WithinDuration(t, past, snaps[0].LastHeartbeat, time.Second)
}

func TestTouchOnEvictedWorkerIsNoOp(t *testing.T) {
	r := New(zap.NewNop())
	r.Touch("ghost", time.Now()) // must not panic
}

func TestSendDeliversEnvelopeToPeer(t *testing.T) {
	server, client := pipeConn(t)
	r := New(zap.NewNop())
	info := r.Add("w1", server)

	done := make(chan wire.Envelope, 1)
	go func() {
		env, err := wire.Decode(client)
		if err == nil {
			done <- env
		}
	}()

	require.NoError(t, info.Send(wire.Envelope{Kind: wire.KindNewTask, Lamport: 3}))
	select {
	case env := <-done:
		assert.Equal(t, wire.KindNewTask, env.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	server, client := pipeConn(t)
	r := New(zap.NewNop())
	info := r.Add("w1", server)
	client.Close()
	server.Close()

	err := info.Send(wire.Envelope{Kind: wire.KindNewTask})
	assert.Error(t, err)
}
