// internal/poller/runner.go
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tamzrod/tag-collector/internal/pool"
	"github.com/tamzrod/tag-collector/internal/reading"
	"github.com/tamzrod/tag-collector/internal/status"
)

// run is one start..stop lifetime of a worker.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// wake and pending carry manual triggers; pending is guarded by Worker.mu.
	wake    chan struct{}
	pending int

	// mu is held while a cycle is published. Once closed is set nothing
	// from this run reaches the queue or the counters.
	mu     sync.Mutex
	closed bool
}

func (r *run) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// loop is the worker goroutine. One per run. No overlap between cycles.
func (w *Worker) loop(r *run) {
	defer close(r.done)

	w.mu.Lock()
	if w.run == r && w.state == status.StateStarting {
		w.state = status.StateRunning
	}
	w.mu.Unlock()

	switch w.spec.Mode {
	case ModeFixed:
		w.runFixed(r)
	case ModeHandshake:
		w.runHandshake(r)
	}

	// a failure streak parks the group as stopped; Status keeps the failure
	w.mu.Lock()
	parked := w.run == r && w.state == status.StateError
	if parked {
		w.state = status.StateStopped
	}
	w.mu.Unlock()

	if parked {
		w.log.Warn().Msg("group stopped after failure streak")
	}
}

// ---- FIXED ----

// runFixed cycles at start + n*interval. A cycle that overruns its slot
// skips forward to the next future deadline; missed slots are counted,
// never made up.
func (w *Worker) runFixed(r *run) {
	interval := w.spec.Interval
	start := time.Now()

	for n := int64(1); ; n++ {
		if cont, _ := w.cycle(r, false); !cont {
			return
		}

		deadline := start.Add(time.Duration(n) * interval)
		if now := time.Now(); !deadline.After(now) {
			missed := int64(now.Sub(deadline)/interval) + 1
			n += missed
			deadline = start.Add(time.Duration(n) * interval)
			w.overran(r, missed)
		}

		if !sleepUntil(r.ctx, deadline) {
			return
		}
	}
}

func (w *Worker) overran(r *run, missed int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	w.mu.Lock()
	w.c.overruns += uint64(missed)
	w.mu.Unlock()

	w.log.Warn().Int64("missed", missed).Dur("interval", w.spec.Interval).Msg("cycle overran its interval")
}

func sleepUntil(ctx context.Context, deadline time.Time) bool {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ---- HANDSHAKE ----

// runHandshake waits for manual triggers or the trigger bit. Every trigger
// is exactly one cycle.
func (w *Worker) runHandshake(r *run) {
	t := time.NewTicker(w.spec.TriggerPoll)
	defer t.Stop()

	prev := false

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-r.wake:
			for n := w.takePending(r); n > 0; n-- {
				if cont, _ := w.cycle(r, true); !cont {
					return
				}
			}

		case <-t.C:
			on, err := w.readTrigger(r.ctx)
			if err != nil {
				if r.ctx.Err() != nil {
					return
				}
				w.log.Warn().Err(err).Str("trigger", w.spec.Trigger.String()).Msg("trigger read failed")
				if !w.triggerFailed(r, err) {
					return
				}
				continue
			}
			w.triggerOK(r)

			// without auto reset only a rising edge fires
			fire := on && (w.spec.AutoReset || !prev)
			prev = on
			if !fire {
				continue
			}

			cont, emitted := w.cycle(r, true)
			if !cont {
				return
			}
			// a cycle that read nothing keeps the bit set so the next poll retries
			if w.spec.AutoReset && emitted {
				if err := w.resetTrigger(r.ctx); err != nil {
					w.log.Warn().Err(err).Str("trigger", w.spec.Trigger.String()).Msg("trigger reset failed")
				} else {
					prev = false
				}
			}
		}
	}
}

func (w *Worker) readTrigger(ctx context.Context) (bool, error) {
	var on bool
	err := w.dev.Do(ctx, w.spec.AcquireTimeout, func(ctx context.Context, s pool.Session) error {
		v, err := s.ReadBit(ctx, w.spec.Trigger)
		on = v
		return err
	})
	return on, err
}

func (w *Worker) resetTrigger(ctx context.Context) error {
	return w.dev.Do(ctx, w.spec.AcquireTimeout, func(ctx context.Context, s pool.Session) error {
		return s.WriteBit(ctx, w.spec.Trigger, false)
	})
}

// triggerFailed counts a failed trigger poll. Consecutive failed polls end
// the run like failed cycles do. It reports whether the worker keeps running.
func (w *Worker) triggerFailed(r *run, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	w.mu.Lock()
	w.c.trigStreak++
	w.c.lastErr = err
	if w.c.errorSince.IsZero() {
		w.c.errorSince = time.Now()
	}
	w.c.health = status.HealthError
	exit := w.c.trigStreak >= w.spec.FailureThreshold
	if exit {
		w.state = status.StateError
		w.c.failed = true
	}
	streak := w.c.trigStreak
	w.mu.Unlock()

	if exit {
		r.closed = true
		w.log.Error().Err(err).Int("consecutive_failures", streak).Msg("group entered error state")
	}
	return !exit
}

// triggerOK clears what failed trigger polls added. Cycle failures stay.
func (w *Worker) triggerOK(r *run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	c := &w.c
	if c.trigStreak == 0 {
		return
	}
	c.trigStreak = 0
	if c.streak == 0 {
		c.errorSince = time.Time{}
	}
	c.health = c.cycleHealth
	if c.health == status.HealthUnknown {
		c.health = status.HealthOK
	}
}

// ---- cycle ----

// cycle reads every chunk once and publishes the outcome. It reports
// whether the worker keeps running and whether any reading was emitted.
func (w *Worker) cycle(r *run, triggered bool) (cont, emitted bool) {
	start := time.Now()
	values := make([]reading.Value, len(w.spec.Tags))
	failed := make([]bool, len(w.chunks))
	nFailed := 0
	var cause error

	if err := w.readChunks(r.ctx, values, failed, &nFailed, &cause); err != nil {
		// a panic fails the whole cycle
		for i := range failed {
			failed[i] = true
		}
		nFailed = len(w.chunks)
		cause = err
		w.log.Error().Err(err).Msg("cycle panicked")
	}

	if r.ctx.Err() != nil {
		// abandoned by Stop; nothing is published
		return false, false
	}

	return w.publish(r, start, values, failed, nFailed, cause, triggered)
}

func (w *Worker) readChunks(ctx context.Context, values []reading.Value, failed []bool, nFailed *int, cause *error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	for i, ch := range w.chunks {
		tags := w.spec.Tags[ch.lo:ch.hi]
		rerr := w.dev.Do(ctx, w.spec.AcquireTimeout, func(ctx context.Context, s pool.Session) error {
			vs, err := s.Read(ctx, tags)
			if err != nil {
				return err
			}
			if len(vs) != len(tags) {
				return fmt.Errorf("poller: read returned %d values for %d tags", len(vs), len(tags))
			}
			copy(values[ch.lo:ch.hi], vs)
			return nil
		})
		if rerr == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failed[i] = true
		*nFailed++
		*cause = rerr
		w.log.Warn().
			Err(rerr).
			Int("chunk", i).
			Str("first_tag", tags[0].Name).
			Int("tags", len(tags)).
			Msg("chunk read failed")
	}
	return nil
}

// publish records the cycle and enqueues its readings in tag order, unless
// the run was stopped. All chunks failed: nothing is enqueued. Some failed:
// their tags carry the last known value as stale, or no value as error.
func (w *Worker) publish(r *run, start time.Time, values []reading.Value, failed []bool, nFailed int, cause error, triggered bool) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, false
	}

	elapsed := time.Since(start)
	all := nFailed == len(w.chunks)

	w.mu.Lock()
	c := &w.c
	c.totalPolls++
	c.avgPollMs += (float64(elapsed)/float64(time.Millisecond) - c.avgPollMs) / float64(c.totalPolls)
	c.lastPoll = start
	if triggered {
		c.triggers++
	}

	var out []reading.TagReading
	if !all {
		out = make([]reading.TagReading, 0, len(w.spec.Tags))
		for ci, ch := range w.chunks {
			for i := ch.lo; i < ch.hi; i++ {
				tr := reading.TagReading{
					Group:     w.spec.Name,
					Category:  w.spec.Category,
					Tag:       w.spec.Tags[i].Name,
					Timestamp: start,
				}
				switch {
				case !failed[ci]:
					tr.Value = values[i]
					tr.Quality = reading.QualityValid
					w.last[i] = values[i]
				case w.last[i].IsValid():
					tr.Value = w.last[i]
					tr.Quality = reading.QualityStale
				default:
					tr.Quality = reading.QualityError
				}
				out = append(out, tr)
			}
		}
	}

	if nFailed == 0 {
		c.successCount++
		c.streak = 0
		c.health = status.HealthOK
	} else {
		c.errorCount++
		c.streak++
		c.lastErr = cause
		if c.errorSince.IsZero() {
			c.errorSince = start
		}
		c.health = status.HealthStale
		if all {
			c.health = status.HealthError
		}
	}
	c.cycleHealth = c.health
	if c.trigStreak == 0 && c.streak == 0 {
		c.errorSince = time.Time{}
	}

	exit := c.streak >= w.spec.FailureThreshold
	if exit {
		w.state = status.StateError
		c.failed = true
	}
	streak := c.streak
	w.mu.Unlock()

	if lost := w.out.PushAll(out); lost > 0 {
		w.log.Warn().Int("lost", lost).Msg("queue overflow during cycle")
	}

	if exit {
		r.closed = true
		w.log.Error().Err(cause).Int("consecutive_failures", streak).Msg("group entered error state")
	} else if all {
		w.log.Warn().Err(cause).Int("consecutive_failures", streak).Msg("cycle skipped, every chunk failed")
	}

	return !exit, len(out) > 0
}
