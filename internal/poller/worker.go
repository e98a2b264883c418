// internal/poller/worker.go
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/reading"
	"github.com/tamzrod/tag-collector/internal/status"
)

// counters are owned by the worker and only touched under Worker.mu.
type counters struct {
	totalPolls   uint64
	successCount uint64
	errorCount   uint64
	overruns     uint64
	triggers     uint64
	streak       int
	avgPollMs    float64
	lastPoll     time.Time
	lastErr      error
	errorSince   time.Time
	health       status.Health

	// trigStreak counts failed trigger polls since the last good one.
	trigStreak  int
	cycleHealth status.Health

	// failed is set when a failure streak ended the run.
	failed bool
}

// Worker runs the cycles of one group. A worker is started and stopped any
// number of times; each start gets a fresh run with its own emit gate.
type Worker struct {
	spec   GroupSpec
	chunks []chunk
	dev    Device
	out    Emitter
	grace  time.Duration
	log    zerolog.Logger

	// op serializes Start and Stop.
	op sync.Mutex

	mu    sync.Mutex
	state string
	run   *run
	c     counters

	// last known good value per tag index
	last []reading.Value
}

// NewWorker builds a stopped worker. The spec is copied and never changes.
func NewWorker(spec GroupSpec, dev Device, out Emitter, grace time.Duration, log zerolog.Logger) *Worker {
	spec = spec.withDefaults()
	spec.Tags = append(spec.Tags[:0:0], spec.Tags...)
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	return &Worker{
		spec:   spec,
		chunks: chunks(len(spec.Tags), spec.ChunkSize),
		dev:    dev,
		out:    out,
		grace:  grace,
		log: log.With().
			Str("component", "poller").
			Str("group", spec.Name).
			Str("endpoint", spec.Endpoint).
			Logger(),
		state: status.StateStopped,
		last:  make([]reading.Value, len(spec.Tags)),
	}
}

func (w *Worker) Name() string    { return w.spec.Name }
func (w *Worker) Spec() GroupSpec { return w.spec }

func (w *Worker) State() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Start launches the group. Starting a running group is a no-op. Starting
// a group that a failure streak stopped resets the streak.
func (w *Worker) Start(parent context.Context) error {
	w.op.Lock()
	defer w.op.Unlock()

	if !w.spec.Active {
		return ErrInactive
	}
	if err := w.spec.check(); err != nil {
		return err
	}

	w.mu.Lock()
	if w.state == status.StateRunning || w.state == status.StateStarting {
		w.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(parent)
	r := &run{ctx: ctx, cancel: cancel, done: make(chan struct{}), wake: make(chan struct{}, 1)}
	w.run = r
	w.state = status.StateStarting
	w.c.streak = 0
	w.c.trigStreak = 0
	w.c.failed = false
	w.c.errorSince = time.Time{}
	w.c.health = status.HealthUnknown
	w.c.cycleHealth = status.HealthUnknown
	w.mu.Unlock()

	go w.loop(r)

	w.log.Info().Str("mode", string(w.spec.Mode)).Int("tags", len(w.spec.Tags)).Msg("group started")
	return nil
}

// Stop cancels the run and waits up to the grace period for the current
// cycle. After Stop returns the group enqueues nothing more, even if its
// goroutine is still unwinding. It reports whether a run was stopped.
func (w *Worker) Stop() bool {
	w.op.Lock()
	defer w.op.Unlock()

	w.mu.Lock()
	r := w.run
	if r == nil || (w.state != status.StateRunning && w.state != status.StateStarting) {
		// error -> stopped is an acknowledgement; the goroutine is gone
		w.state = status.StateStopped
		w.mu.Unlock()
		return false
	}
	w.state = status.StateStopping
	w.mu.Unlock()

	r.cancel()

	t := time.NewTimer(w.grace)
	select {
	case <-r.done:
	case <-t.C:
		w.log.Warn().Dur("grace", w.grace).Msg("group did not stop in time, forcing")
	}
	t.Stop()

	// closes the emit gate; waits for an in-flight publish to finish
	r.close()

	w.mu.Lock()
	w.state = status.StateStopped
	w.mu.Unlock()

	w.log.Info().Msg("group stopped")
	return true
}

// Trigger queues one cycle of a running HANDSHAKE group and returns the
// number of tags it will read.
func (w *Worker) Trigger() (int, error) {
	if w.spec.Mode != ModeHandshake {
		return 0, ErrNotApplicable
	}

	w.mu.Lock()
	r := w.run
	if r == nil || (w.state != status.StateRunning && w.state != status.StateStarting) {
		w.mu.Unlock()
		return 0, ErrNotApplicable
	}
	r.pending++
	w.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return len(w.spec.Tags), nil
}

// takePending claims the triggers queued on r. A cancelled run claims none.
func (w *Worker) takePending(r *run) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if r.ctx.Err() != nil {
		return 0
	}
	n := r.pending
	r.pending = 0
	return n
}

// Status never blocks on a cycle.
func (w *Worker) Status() status.GroupStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.c
	st := status.GroupStatus{
		Name:                w.spec.Name,
		Device:              w.spec.Device,
		Endpoint:            w.spec.Endpoint,
		Mode:                string(w.spec.Mode),
		Category:            w.spec.Category,
		Active:              w.spec.Active,
		TagCount:            len(w.spec.Tags),
		State:               w.state,
		TotalPolls:          c.totalPolls,
		SuccessCount:        c.successCount,
		ErrorCount:          c.errorCount,
		Overruns:            c.overruns,
		Triggers:            c.triggers,
		ConsecutiveFailures: max(c.streak, c.trigStreak),
		AvgPollTimeMs:       c.avgPollMs,
		LastPollTime:        c.lastPoll,
	}

	switch {
	case w.state == status.StateStopped && !c.failed:
		st.Health = status.HealthDisabled
	case w.state == status.StateError || c.failed:
		st.Health = status.HealthError
	default:
		st.Health = c.health
	}

	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
		st.LastErrorCode = status.ErrorCode(c.lastErr)
	}
	if !c.errorSince.IsZero() {
		secs := int64(time.Since(c.errorSince) / time.Second)
		st.SecondsInError = uint16(min(secs, status.SecondsInErrorMax))
	}
	return st
}
