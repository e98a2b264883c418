// internal/writer/writer_test.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tag-collector/internal/backup"
	"github.com/tamzrod/tag-collector/internal/metrics"
	"github.com/tamzrod/tag-collector/internal/queue"
	"github.com/tamzrod/tag-collector/internal/reading"
)

// ---- fakes ----

type fakeSink struct {
	mu      sync.Mutex
	batches []Batch
	calls   int
	// fail decides the outcome of call n (1-based)
	fail func(n int) error
}

func (f *fakeSink) WriteBatch(_ context.Context, b Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return err
		}
	}
	f.batches = append(f.batches, b)
	return nil
}

func (f *fakeSink) Close() error { return nil }

func (f *fakeSink) snapshot() ([]Batch, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Batch(nil), f.batches...), f.calls
}

type fakeBackup struct {
	mu      sync.Mutex
	records []backup.Record
	fail    error
}

func (f *fakeBackup) Store(rec backup.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return "", f.fail
	}
	f.records = append(f.records, rec)
	return fmt.Sprintf("batch-%d.csv", len(f.records)), nil
}

func (f *fakeBackup) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeBackup) snapshot() []backup.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backup.Record(nil), f.records...)
}

var errDown = errors.New("database is locked")

func testConfig() Config {
	return Config{
		BatchSize:       5,
		FlushInterval:   time.Hour,
		MaxAttempts:     3,
		Backoff:         []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		WriteTimeout:    time.Second,
		ShutdownTimeout: time.Second,
	}
}

type harness struct {
	q       *queue.Queue
	sink    *fakeSink
	bk      *fakeBackup
	tracker *metrics.Tracker
	w       *BatchWriter
	cancel  context.CancelFunc
	done    chan struct{}
}

func start(t *testing.T, cfg Config, sink *fakeSink, bk *fakeBackup) *harness {
	t.Helper()
	h := &harness{
		q:       queue.New(1000, queue.DropOldest, zerolog.Nop()),
		sink:    sink,
		bk:      bk,
		tracker: metrics.NewTracker(time.Minute),
		done:    make(chan struct{}),
	}
	h.w = New(cfg, h.q, sink, bk, h.tracker, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		defer close(h.done)
		h.w.Run(ctx)
	}()
	t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) push(group string, n int) {
	for i := 0; i < n; i++ {
		h.q.Push(reading.TagReading{
			Group:     group,
			Tag:       fmt.Sprintf("D%d", i),
			Value:     reading.Int(int64(i)),
			Timestamp: time.Now(),
		})
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

// ---- tests ----

func TestWriter_FlushOnBatchSize(t *testing.T) {
	h := start(t, testConfig(), &fakeSink{}, &fakeBackup{})
	h.push("g", 10)

	waitFor(t, func() bool {
		b, _ := h.sink.snapshot()
		return len(b) == 2
	})
	batches, _ := h.sink.snapshot()
	assert.Len(t, batches[0].Readings, 5)
	assert.Len(t, batches[1].Readings, 5)
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
	assert.Equal(t, "D0", batches[0].Readings[0].Tag)
}

func TestWriter_FlushOnInterval(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 500
	cfg.FlushInterval = 50 * time.Millisecond

	h := start(t, cfg, &fakeSink{}, &fakeBackup{})
	h.push("g", 3)

	waitFor(t, func() bool {
		b, _ := h.sink.snapshot()
		return len(b) == 1
	})
	batches, _ := h.sink.snapshot()
	assert.Len(t, batches[0].Readings, 3)
}

func TestWriter_ThreeFailuresGoToOneBackup(t *testing.T) {
	sink := &fakeSink{fail: func(n int) error {
		if n <= 3 {
			return errDown
		}
		return nil
	}}
	bk := &fakeBackup{}
	h := start(t, testConfig(), sink, bk)

	h.push("first", 5)
	waitFor(t, func() bool { return bk.Count() == 1 })

	recs := bk.snapshot()
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Readings, 5)
	assert.Equal(t, "first", recs[0].Readings[0].Group)
	assert.Contains(t, recs[0].Reason, errDown.Error())

	// the writer moves on to the next batch
	h.push("second", 5)
	waitFor(t, func() bool {
		b, _ := h.sink.snapshot()
		return len(b) == 1
	})
	batches, calls := h.sink.snapshot()
	assert.Equal(t, "second", batches[0].Readings[0].Group)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 1, bk.Count())

	st := h.w.Stats()
	assert.Equal(t, uint64(1), st.BatchesBackedUp)
	assert.Equal(t, uint64(1), st.BatchesWritten)
	assert.Equal(t, uint64(4), st.Attempts)
}

func TestWriter_RecoversWithinRetries(t *testing.T) {
	sink := &fakeSink{fail: func(n int) error {
		if n <= 2 {
			return errDown
		}
		return nil
	}}
	bk := &fakeBackup{}
	h := start(t, testConfig(), sink, bk)

	h.push("g", 5)
	waitFor(t, func() bool {
		b, _ := h.sink.snapshot()
		return len(b) == 1
	})
	assert.Equal(t, 0, bk.Count())

	snap := h.tracker.Snapshot()
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 2, snap.FailureCount)
}

func TestWriter_ShutdownDrainsResidentReadings(t *testing.T) {
	sink := &fakeSink{}
	h := start(t, testConfig(), sink, &fakeBackup{})

	h.push("g", 12)
	h.stop()

	batches, _ := sink.snapshot()
	total := 0
	for _, b := range batches {
		total += len(b.Readings)
	}
	assert.Equal(t, 12, total)
	assert.Equal(t, 0, h.q.Len())
}

func TestWriter_ShutdownFailureBacksUp(t *testing.T) {
	sink := &fakeSink{fail: func(int) error { return errDown }}
	bk := &fakeBackup{}
	cfg := testConfig()
	cfg.BatchSize = 100

	h := start(t, cfg, sink, bk)
	h.push("g", 3)
	h.stop()

	recs := bk.snapshot()
	require.Len(t, recs, 1)
	assert.Len(t, recs[0].Readings, 3)
}

func TestWriter_EveryReadingAccountedOnce(t *testing.T) {
	// every third sink call fails
	sink := &fakeSink{fail: func(n int) error {
		if n%3 == 0 {
			return errDown
		}
		return nil
	}}
	bk := &fakeBackup{}
	cfg := testConfig()
	cfg.FlushInterval = 5 * time.Millisecond

	h := start(t, cfg, sink, bk)
	for i := 0; i < 20; i++ {
		h.push(fmt.Sprintf("g%d", i), 7)
		time.Sleep(time.Millisecond)
	}
	h.stop()

	seen := map[string]int{}
	batches, _ := sink.snapshot()
	for _, b := range batches {
		for _, r := range b.Readings {
			seen[r.Group+"/"+r.Tag]++
		}
	}
	for _, rec := range bk.snapshot() {
		for _, r := range rec.Readings {
			seen[r.Group+"/"+r.Tag]++
		}
	}

	assert.Len(t, seen, 140)
	for k, n := range seen {
		assert.Equal(t, 1, n, k)
	}
}

func TestWriter_BreakerSkipsSinkWhileOpen(t *testing.T) {
	sink := &fakeSink{fail: func(int) error { return errDown }}
	bk := &fakeBackup{}
	cfg := testConfig()
	cfg.Breaker = BreakerConfig{Enabled: true, Failures: 1, OpenTimeout: time.Hour}

	h := start(t, cfg, sink, bk)
	h.push("a", 5)
	waitFor(t, func() bool { return bk.Count() == 1 })
	h.push("b", 5)
	waitFor(t, func() bool { return bk.Count() == 2 })

	_, sinkCalls := sink.snapshot()
	assert.Equal(t, 3, sinkCalls, "second batch never reaches the sink")
	assert.Equal(t, "open", h.w.Stats().BreakerState)
}

func TestWriter_BackupFailureIsCounted(t *testing.T) {
	sink := &fakeSink{fail: func(int) error { return errDown }}
	bk := &fakeBackup{fail: errors.New("disk full")}
	h := start(t, testConfig(), sink, bk)

	h.push("g", 5)
	waitFor(t, func() bool { return h.w.Stats().BackupErrors == 1 })
}

func TestReplay_WritesAndRetiresFiles(t *testing.T) {
	dir, err := backup.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, err := dir.Store(backup.Record{
			BatchID:  fmt.Sprintf("batch-%d-xxxxxxxx", i),
			Reason:   "down",
			Readings: []reading.TagReading{{Group: "g", Tag: "D1", Value: reading.Int(int64(i)), Timestamp: ts.Add(time.Duration(i) * time.Second)}},
		})
		require.NoError(t, err)
	}

	sink := &fakeSink{}
	st, err := Replay(context.Background(), dir, sink, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 2, st.Readings)
	assert.Equal(t, 0, dir.Count())

	batches, _ := sink.snapshot()
	require.Len(t, batches, 2)
	assert.Equal(t, "batch-0-xxxxxxxx", batches[0].ID)
}

func TestReplay_StopsOnSinkFailure(t *testing.T) {
	dir, err := backup.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	_, err = dir.Store(backup.Record{BatchID: "aaaaaaaa", Readings: []reading.TagReading{{Group: "g", Tag: "D1", Timestamp: time.Now()}}})
	require.NoError(t, err)

	_, err = Replay(context.Background(), dir, &fakeSink{fail: func(int) error { return errDown }}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrSinkWrite)
	assert.Equal(t, 1, dir.Count())
}
