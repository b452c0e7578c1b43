package liveness

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgrid/taskgrid/internal/workerregistry"
)

type fakeDispatch struct {
	mu     sync.Mutex
	failed []string
}

func (f *fakeDispatch) HandleWorkerFailure(workerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, workerID)
}

func (f *fakeDispatch) failedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failed))
	copy(out, f.failed)
	return out
}

func TestScanEvictsOnlyStaleWorkers(t *testing.T) {
	reg := workerregistry.New(zap.NewNop())
	a, _ := net.Pipe()
	b, _ := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	reg.Add("fresh", a)
	reg.Add("stale", b)
	reg.Touch("stale", time.Now().Add(-time.Hour))

	fd := &fakeDispatch{}
	m, err := New(reg, fd, 50*time.Millisecond, zap.NewNop())
	require.NoError(t, err)

	m.scan()

	assert.Equal(t, []string{"stale"}, fd.failedIDs())
}

func TestScanDoesNothingWhenAllWorkersFresh(t *testing.T) {
	reg := workerregistry.New(zap.NewNop())
	a, _ := net.Pipe()
	t.Cleanup(func() { a.Close() })
	reg.Add("fresh", a)

	fd := &fakeDispatch{}
	m, err := New(reg, fd, time.Hour, zap.NewNop())
	require.NoError(t, err)

	m.scan()

	assert.Empty(t, fd.failedIDs())
}

func TestIntervalIsHalfThresholdWithOneSecondFloor(t *testing.T) {
	m := &Monitor{threshold: 200 * time.Millisecond}
	assert.Equal(t, time.Second, m.interval(), "sub-second threshold clamps to a one-second floor")

	m2 := &Monitor{threshold: 10 * time.Second}
	assert.Equal(t, 5*time.Second, m2.interval())
}
