// internal/writer/writer.go
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/tamzrod/tag-collector/internal/backup"
	"github.com/tamzrod/tag-collector/internal/metrics"
	"github.com/tamzrod/tag-collector/internal/queue"
	"github.com/tamzrod/tag-collector/internal/reading"
)

// BatchWriter is the single consumer of the queue. Every batch it takes
// ends in exactly one place: the sink or one backup file.
type BatchWriter struct {
	cfg     Config
	q       *queue.Queue
	sink    Sink
	backup  Backup
	tracker *metrics.Tracker
	log     zerolog.Logger
	cb      *gobreaker.CircuitBreaker

	batchesWritten   atomic.Uint64
	readingsWritten  atomic.Uint64
	batchesBackedUp  atomic.Uint64
	readingsBackedUp atomic.Uint64
	backupErrors     atomic.Uint64
	attempts         atomic.Uint64
}

func New(cfg Config, q *queue.Queue, sink Sink, bk Backup, tracker *metrics.Tracker, log zerolog.Logger) *BatchWriter {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	w := &BatchWriter{
		cfg:     cfg,
		q:       q,
		sink:    sink,
		backup:  bk,
		tracker: tracker,
		log:     log.With().Str("component", "writer").Logger(),
	}

	if cfg.Breaker.Enabled {
		failures := cfg.Breaker.Failures
		if failures == 0 {
			failures = def.Breaker.Failures
		}
		w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "sink",
			MaxRequests: 1,
			Timeout:     cfg.Breaker.OpenTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				w.log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("sink circuit breaker")
			},
		})
	}
	return w
}

// Run consumes the queue until ctx is cancelled, then drains what is left.
func (w *BatchWriter) Run(ctx context.Context) {
	pending := make([]reading.TagReading, 0, w.cfg.BatchSize)
	lastFlush := time.Now()

	for {
		pending = append(pending, w.q.PopBatch(w.cfg.BatchSize-len(pending))...)

		since := time.Since(lastFlush)
		if len(pending) >= w.cfg.BatchSize || (len(pending) > 0 && since >= w.cfg.FlushInterval) {
			w.flush(ctx, pending)
			pending = make([]reading.TagReading, 0, w.cfg.BatchSize)
			lastFlush = time.Now()
			continue
		}

		wait := w.cfg.FlushInterval - since
		if wait <= 0 {
			wait = w.cfg.FlushInterval
		}
		t := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			t.Stop()
			w.drain(pending)
			return
		case <-w.q.Ready():
		case <-t.C:
		}
		t.Stop()
	}
}

// flush resolves one batch: sink or backup.
func (w *BatchWriter) flush(ctx context.Context, readings []reading.TagReading) {
	b := Batch{ID: uuid.NewString(), CreatedAt: time.Now(), Readings: readings}

	err := w.write(ctx, b)
	if err == nil {
		w.batchesWritten.Add(1)
		w.readingsWritten.Add(uint64(len(readings)))
		w.log.Debug().Str("batch", b.ID).Int("readings", len(readings)).Msg("batch written")
		return
	}
	w.toBackup(b, err)
}

func (w *BatchWriter) write(ctx context.Context, b Batch) error {
	if w.cb == nil {
		return w.attemptAll(ctx, b)
	}

	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, w.attemptAll(ctx, b)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit %s: %w", ErrSinkWrite, w.cb.State(), err)
	}
	return err
}

// attemptAll tries the sink up to MaxAttempts times, waiting Backoff[i]
// after the (i+1)th failure. Cancellation stops further attempts.
func (w *BatchWriter) attemptAll(ctx context.Context, b Batch) error {
	var last error
	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, w.backoff(attempt-2)); err != nil {
				return fmt.Errorf("%w (retries abandoned: %v)", last, err)
			}
		}

		err := w.attempt(ctx, b, w.cfg.WriteTimeout)
		if err == nil {
			if attempt > 1 {
				w.log.Info().Str("batch", b.ID).Int("attempt", attempt).Msg("sink write recovered")
			}
			return nil
		}

		last = fmt.Errorf("%w: attempt %d/%d: %w", ErrSinkWrite, attempt, w.cfg.MaxAttempts, err)
		w.log.Warn().Err(err).
			Str("batch", b.ID).
			Int("attempt", attempt).
			Int("readings", len(b.Readings)).
			Msg("sink write failed")
	}
	return last
}

// attempt is one bounded sink write. It survives cancellation of ctx so
// that an in-flight write can finish during shutdown.
func (w *BatchWriter) attempt(ctx context.Context, b Batch, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	w.attempts.Add(1)
	start := time.Now()
	err := w.sink.WriteBatch(actx, b)

	w.tracker.Record(metrics.Sample{
		At:        time.Now(),
		BatchSize: len(b.Readings),
		Latency:   time.Since(start),
		Success:   err == nil,
	})
	return err
}

func (w *BatchWriter) backoff(i int) time.Duration {
	if i < len(w.cfg.Backoff) {
		return w.cfg.Backoff[i]
	}
	return w.cfg.Backoff[len(w.cfg.Backoff)-1]
}

func (w *BatchWriter) toBackup(b Batch, cause error) {
	rec := backup.Record{
		BatchID:   b.ID,
		Reason:    cause.Error(),
		CreatedAt: b.CreatedAt,
		Readings:  b.Readings,
	}

	if _, err := w.backup.Store(rec); err != nil {
		w.backupErrors.Add(1)
		w.log.Error().Err(err).
			AnErr("cause", cause).
			Str("batch", b.ID).
			Int("readings", len(b.Readings)).
			Msg("batch lost: backup write failed")
		return
	}
	w.batchesBackedUp.Add(1)
	w.readingsBackedUp.Add(uint64(len(b.Readings)))
}

// drain flushes everything left in the queue. Each remaining batch gets a
// single attempt while the shutdown budget lasts, then goes to backup.
func (w *BatchWriter) drain(pending []reading.TagReading) {
	deadline := time.Now().Add(w.cfg.ShutdownTimeout)
	var batches, readings int

	for {
		pending = append(pending, w.q.PopBatch(w.cfg.BatchSize-len(pending))...)
		if len(pending) == 0 {
			break
		}

		b := Batch{ID: uuid.NewString(), CreatedAt: time.Now(), Readings: pending}
		batches++
		readings += len(pending)

		remaining := time.Until(deadline)
		var err error
		if remaining <= 0 {
			err = fmt.Errorf("%w: shutdown budget exhausted", ErrSinkWrite)
		} else {
			err = w.attempt(context.Background(), b, min(remaining, w.cfg.WriteTimeout))
		}

		if err == nil {
			w.batchesWritten.Add(1)
			w.readingsWritten.Add(uint64(len(pending)))
		} else {
			w.toBackup(b, err)
		}
		pending = make([]reading.TagReading, 0, w.cfg.BatchSize)
	}

	w.log.Info().Int("batches", batches).Int("readings", readings).Msg("writer drained")
}

func (w *BatchWriter) Stats() Stats {
	s := Stats{
		BatchesWritten:   w.batchesWritten.Load(),
		ReadingsWritten:  w.readingsWritten.Load(),
		BatchesBackedUp:  w.batchesBackedUp.Load(),
		ReadingsBackedUp: w.readingsBackedUp.Load(),
		BackupErrors:     w.backupErrors.Load(),
		Attempts:         w.attempts.Load(),
		BreakerState:     "disabled",
	}
	if w.cb != nil {
		s.BreakerState = w.cb.State().String()
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
