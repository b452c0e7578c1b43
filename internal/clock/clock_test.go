package clock

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickIncrements(t *testing.T) {
	c := New()
	require.Equal(t, uint64(1), c.Tick())
	require.Equal(t, uint64(2), c.Tick())
	require.Equal(t, uint64(2), c.Read())
}

func TestMergeTakesMax(t *testing.T) {
	c := New()
	c.Tick() // t = 1

	got := c.Merge(0)
	assert.Equal(t, uint64(2), got, "merge with r=0 still ticks past the local value")

	got = c.Merge(10)
	assert.Equal(t, uint64(11), got, "merge with a larger remote value jumps ahead")

	got = c.Merge(5)
	assert.Equal(t, uint64(12), got, "merge with a smaller remote value still advances by one")
}

func TestMergeBoundaryNearUint64Max(t *testing.T) {
	c := New()
	got := c.Merge(math.MaxUint64 - 1)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

// P1 support at the clock level: 100 concurrent Tick/Merge calls each
// advance the counter by at least one under the same mutex, so no advance
// is lost and the final value is at least 100.
func TestConcurrentTickMergeNeverDecreases(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	last := c.Read()
	var mu sync.Mutex

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var v uint64
			if i%2 == 0 {
				v = c.Tick()
			} else {
				v = c.Merge(uint64(i))
			}
			mu.Lock()
			if v > last {
				last = v
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	assert.GreaterOrEqual(t, c.Read(), uint64(100))
}
