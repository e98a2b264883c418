// internal/metrics/tracker_test.go
package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// ---- tests ----

func TestTracker_EmptySnapshot(t *testing.T) {
	tr := NewTracker(0)
	s := tr.Snapshot()
	assert.Equal(t, DefaultWindow, s.Window)
	assert.Equal(t, 0, s.Samples)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestTracker_Aggregates(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_000_000, 0)}
	tr := newTracker(5*time.Minute, clk.Now)

	clk.Advance(10 * time.Second)
	tr.Record(Sample{BatchSize: 500, Latency: 20 * time.Millisecond, Success: true})
	tr.Record(Sample{BatchSize: 300, Latency: 40 * time.Millisecond, Success: false})
	tr.Record(Sample{BatchSize: 300, Latency: 30 * time.Millisecond, Success: true})

	s := tr.Snapshot()
	require.Equal(t, 3, s.Samples)
	assert.Equal(t, 2, s.SuccessCount)
	assert.Equal(t, 1, s.FailureCount)
	assert.InDelta(t, 366.67, s.AvgBatchSize, 0.01)
	assert.InDelta(t, 30.0, s.AvgLatencyMs, 0.001)
	assert.InDelta(t, 2.0/3.0, s.SuccessRate, 1e-9)
	// 800 written over the 10s the tracker has been running
	assert.InDelta(t, 80.0, s.ThroughputPerSec, 1e-9)
}

func TestTracker_WindowEviction(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_000_000, 0)}
	tr := newTracker(time.Minute, clk.Now)

	tr.Record(Sample{BatchSize: 10, Success: false})
	clk.Advance(2 * time.Minute)

	// stale sample is excluded from snapshots before any new Record
	s := tr.Snapshot()
	assert.Equal(t, 0, s.Samples)

	tr.Record(Sample{BatchSize: 60, Success: true})
	s = tr.Snapshot()
	assert.Equal(t, 1, s.Samples)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.InDelta(t, 1.0, s.ThroughputPerSec, 1e-9)

	tr.mu.RLock()
	assert.Len(t, tr.samples, 1, "record prunes old samples")
	tr.mu.RUnlock()
}

func TestTracker_SnapshotHasNoSideEffects(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_000_000, 0)}
	tr := newTracker(time.Minute, clk.Now)
	tr.Record(Sample{BatchSize: 1, Success: true})
	clk.Advance(2 * time.Minute)

	_ = tr.Snapshot()
	tr.mu.RLock()
	assert.Len(t, tr.samples, 1)
	tr.mu.RUnlock()
}

func TestTracker_ConcurrentUse(t *testing.T) {
	tr := NewTracker(time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tr.Record(Sample{BatchSize: j, Success: j%2 == 0})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = tr.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, tr.Snapshot().Samples)
}
