// internal/engine/engine.go
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/backup"
	"github.com/tamzrod/tag-collector/internal/config"
	"github.com/tamzrod/tag-collector/internal/metrics"
	"github.com/tamzrod/tag-collector/internal/poller"
	"github.com/tamzrod/tag-collector/internal/pool"
	"github.com/tamzrod/tag-collector/internal/protocol"
	"github.com/tamzrod/tag-collector/internal/queue"
	"github.com/tamzrod/tag-collector/internal/status"
	"github.com/tamzrod/tag-collector/internal/writer"
)

var ErrShutdown = errors.New("engine: shut down")

// Dialer returns the dial function for one device endpoint.
type Dialer func(ep protocol.Endpoint) pool.DialFunc

// DialProtocol opens real device sessions.
func DialProtocol(ep protocol.Endpoint) pool.DialFunc {
	return func(ctx context.Context) (pool.Session, error) {
		c, err := protocol.Dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

type Option func(*Engine)

// WithDialer replaces the device dialer.
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// Engine wires pools, groups, queue and writer for one collector process
// and exposes the control and status surface. It holds no package state;
// several engines can coexist.
type Engine struct {
	cfg  *config.Config
	log  zerolog.Logger
	dial Dialer

	queue   *queue.Queue
	pools   map[string]*pool.Pool
	sched   *poller.Scheduler
	writer  *writer.BatchWriter
	backup  *backup.Dir
	tracker *metrics.Tracker
	sink    writer.Sink

	// base outlives every group run; cancelled last on Shutdown
	base   context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	started      bool
	closed       bool
	writerCancel context.CancelFunc
	writerDone   chan struct{}
}

// New builds an engine from a validated, normalized config. Nothing runs
// until Start. Once New succeeds the engine owns sink and closes it on
// Shutdown.
func New(cfg *config.Config, sink writer.Sink, log zerolog.Logger, opts ...Option) (*Engine, error) {
	c := cfg.Collector

	e := &Engine{
		cfg:   cfg,
		log:   log.With().Str("component", "engine").Logger(),
		dial:  DialProtocol,
		pools: make(map[string]*pool.Pool, len(c.Devices)),
		sink:  sink,
	}
	for _, o := range opts {
		o(e)
	}

	policy, err := queue.ParsePolicy(c.Queue.Overflow)
	if err != nil {
		return nil, err
	}
	e.queue = queue.New(c.Queue.Capacity, policy, log)

	e.backup, err = backup.Open(c.Backup.Dir, log)
	if err != nil {
		return nil, err
	}
	e.tracker = metrics.NewTracker(metrics.DefaultWindow)

	devices := make(map[string]poller.Device, len(c.Devices))
	for _, d := range c.Devices {
		ep := d.Endpoint()
		p := pool.New(pool.Config{
			Endpoint: ep.HostPort(),
			Size:     d.PoolSize,
			Timeout:  ep.Timeout,
		}, e.dial(ep), log)
		e.pools[d.ID] = p
		devices[d.ID] = p
	}

	e.base, e.cancel = context.WithCancel(context.Background())

	e.sched, err = poller.Build(e.base, cfg, devices, e.queue, log)
	if err != nil {
		e.cancel()
		e.closePools()
		return nil, err
	}

	e.writer = writer.New(writerConfig(c.Writer), e.queue, sink, e.backup, e.tracker, log)
	return e, nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func writerConfig(c config.WriterConfig) writer.Config {
	backoff := make([]time.Duration, 0, len(c.BackoffMs))
	for _, b := range c.BackoffMs {
		backoff = append(backoff, ms(b))
	}
	return writer.Config{
		BatchSize:       c.BatchSize,
		FlushInterval:   ms(c.FlushIntervalMs),
		MaxAttempts:     c.MaxAttempts,
		Backoff:         backoff,
		WriteTimeout:    ms(c.WriteTimeoutMs),
		ShutdownTimeout: ms(c.ShutdownTimeoutMs),
		Breaker: writer.BreakerConfig{
			Enabled:     c.CircuitBreaker.Enabled,
			Failures:    uint32(c.CircuitBreaker.Failures),
			OpenTimeout: ms(c.CircuitBreaker.OpenMs),
		},
	}
}

// ---- lifecycle ----

// Start launches the writer, then every active group. It returns the
// number of running groups.
func (e *Engine) Start() (int, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, ErrShutdown
	}
	if !e.started {
		e.started = true
		// the writer must outlive the groups, so it gets its own context
		ctx, cancel := context.WithCancel(context.Background())
		e.writerCancel = cancel
		e.writerDone = make(chan struct{})
		go func() {
			defer close(e.writerDone)
			e.writer.Run(ctx)
		}()
	}
	e.mu.Unlock()

	n := e.sched.StartAll()
	e.log.Info().
		Int("groups", n).
		Int("devices", len(e.pools)).
		Int("queue_capacity", e.queue.Cap()).
		Int("backup_files", e.backup.Count()).
		Msg("collector started")
	return n, nil
}

// Shutdown stops groups (each within its grace), lets the writer drain the
// queue, then closes pools and the sink. ctx bounds the wait for the
// writer; readings still queued when it expires are reported, not lost
// silently.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	writerCancel, writerDone := e.writerCancel, e.writerDone
	e.mu.Unlock()

	e.sched.StopAll()

	if writerCancel != nil {
		writerCancel()
		select {
		case <-writerDone:
		case <-ctx.Done():
			e.log.Error().Int("queued", e.queue.Len()).Msg("writer did not drain before shutdown deadline")
		}
	}

	var errs []error
	if err := e.closePools(); err != nil {
		errs = append(errs, err)
	}
	if err := e.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("engine: close sink: %w", err))
	}
	e.cancel()

	ws := e.writer.Stats()
	e.log.Info().
		Uint64("batches_written", ws.BatchesWritten).
		Uint64("batches_backed_up", ws.BatchesBackedUp).
		Uint64("queue_overflows", e.queue.Overflows()).
		Msg("collector stopped")
	return errors.Join(errs...)
}

func (e *Engine) closePools() error {
	var errs []error
	for id, p := range e.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: close pool %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// ---- control ----

func (e *Engine) guard() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrShutdown
	}
	return nil
}

func (e *Engine) StartGroup(name string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.sched.Start(name)
}

func (e *Engine) StopGroup(name string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.sched.Stop(name)
}

func (e *Engine) StartAll() (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.sched.StartAll(), nil
}

func (e *Engine) StopAll() (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.sched.StopAll(), nil
}

// Trigger requests one cycle of a HANDSHAKE group and returns its tag count.
func (e *Engine) Trigger(name string) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.sched.Trigger(name)
}

// ---- status ----

func (e *Engine) Status() status.EngineStatus {
	qs := e.queue.Stats()
	return status.EngineStatus{
		Timestamp:      time.Now().UTC(),
		QueueDepth:     qs.Depth,
		QueueCapacity:  qs.Capacity,
		QueueOverflows: qs.Overflows,
		Groups:         e.sched.Status(),
	}
}

func (e *Engine) WriterMetrics() status.WriterMetrics {
	snap := e.tracker.Snapshot()
	ws := e.writer.Stats()
	return status.WriterMetrics{
		WindowSeconds:    snap.Window.Seconds(),
		Samples:          snap.Samples,
		AvgBatchSize:     snap.AvgBatchSize,
		AvgLatencyMs:     snap.AvgLatencyMs,
		ThroughputPerSec: snap.ThroughputPerSec,
		SuccessCount:     snap.SuccessCount,
		FailureCount:     snap.FailureCount,
		SuccessRate:      snap.SuccessRate,
		BatchesWritten:   ws.BatchesWritten,
		ReadingsWritten:  ws.ReadingsWritten,
		BatchesBackedUp:  ws.BatchesBackedUp,
		ReadingsBackedUp: ws.ReadingsBackedUp,
		BackupErrors:     ws.BackupErrors,
		BackupFileCount:  e.backup.Count(),
		BreakerState:     ws.BreakerState,
	}
}

func (e *Engine) Report() status.Report {
	return status.Report{Engine: e.Status(), Writer: e.WriterMetrics()}
}

// PoolStats lists device pools ordered by endpoint.
func (e *Engine) PoolStats() []pool.Stats {
	out := make([]pool.Stats, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
