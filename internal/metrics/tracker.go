// internal/metrics/tracker.go
package metrics

import (
	"sync"
	"time"
)

const DefaultWindow = 5 * time.Minute

// Sample is one flush attempt reported by the writer.
type Sample struct {
	At        time.Time
	BatchSize int
	Latency   time.Duration
	Success   bool
}

// Snapshot aggregates the samples inside the window.
type Snapshot struct {
	Window           time.Duration
	Samples          int
	SuccessCount     int
	FailureCount     int
	AvgBatchSize     float64
	AvgLatencyMs     float64
	ThroughputPerSec float64 // successfully written readings per second
	SuccessRate      float64 // 0..1; 1 when there are no samples
}

// Tracker keeps a rolling time window of writer samples.
type Tracker struct {
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	samples []Sample
	started time.Time
}

func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return newTracker(window, time.Now)
}

func newTracker(window time.Duration, now func() time.Time) *Tracker {
	return &Tracker{window: window, now: now, started: now()}
}

// Record adds a sample and drops samples older than the window.
func (t *Tracker) Record(s Sample) {
	if s.At.IsZero() {
		s.At = t.now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.samples = append(t.samples, s)

	cutoff := t.now().Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].At.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append(t.samples[:0], t.samples[i:]...)
	}
}

// Snapshot computes the window aggregate. It does not modify the tracker.
func (t *Tracker) Snapshot() Snapshot {
	now := t.now()
	cutoff := now.Add(-t.window)

	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{Window: t.window, SuccessRate: 1}

	var sizeSum, written int
	var latSum time.Duration
	var oldest time.Time
	for _, s := range t.samples {
		if s.At.Before(cutoff) {
			continue
		}
		if oldest.IsZero() {
			oldest = s.At
		}
		snap.Samples++
		sizeSum += s.BatchSize
		latSum += s.Latency
		if s.Success {
			snap.SuccessCount++
			written += s.BatchSize
		} else {
			snap.FailureCount++
		}
	}
	if snap.Samples == 0 {
		return snap
	}

	snap.AvgBatchSize = float64(sizeSum) / float64(snap.Samples)
	snap.AvgLatencyMs = float64(latSum) / float64(snap.Samples) / float64(time.Millisecond)
	snap.SuccessRate = float64(snap.SuccessCount) / float64(snap.Samples)

	// throughput spans the full window once the tracker has run that long
	span := t.window
	if elapsed := now.Sub(t.started); elapsed < span {
		span = elapsed
	}
	if span < time.Second {
		span = time.Second
	}
	snap.ThroughputPerSec = float64(written) / span.Seconds()
	return snap
}
