// internal/pool/pool.go
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/tamzrod/tag-collector/internal/protocol"
	"github.com/tamzrod/tag-collector/internal/reading"
)

const (
	DefaultSize        = 5
	DefaultMaxAttempts = 3
)

var (
	ErrConnectionExhausted = errors.New("pool: connection exhausted")
	ErrAcquireTimeout      = errors.New("pool: acquire timeout")
	ErrClosed              = errors.New("pool: closed")
)

// Session is the device session a lease hands out. *protocol.Client
// implements it.
type Session interface {
	Read(ctx context.Context, tags []protocol.Tag) ([]reading.Value, error)
	ReadBit(ctx context.Context, a protocol.Address) (bool, error)
	WriteBit(ctx context.Context, a protocol.Address, v bool) error
	Close() error
}

// DialFunc opens one new session. One attempt per call.
type DialFunc func(ctx context.Context) (Session, error)

type Config struct {
	// Endpoint names the device in logs and errors.
	Endpoint string
	Size     int
	// Timeout is the per-connection I/O timeout. Retry backoff is a
	// multiple of it.
	Timeout     time.Duration
	MaxAttempts int
}

// State of one pooled connection.
type State uint8

const (
	StateIdle State = iota
	StateLeased
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateBroken:
		return "broken"
	}
	return "unknown"
}

type pooledConn struct {
	id      uint64
	session Session
	state   State
}

// Stats is a point-in-time view of the pool. Broken counts discarded
// sessions whose slot has not been refilled by a fresh dial yet.
type Stats struct {
	Endpoint  string
	Size      int
	Idle      int
	Leased    int
	Broken    int
	Created   uint64
	Discarded uint64
}

// Pool lends at most Size sessions to one endpoint. Sessions are dialed on
// demand and discarded when released unhealthy.
type Pool struct {
	cfg  Config
	dial DialFunc
	log  zerolog.Logger
	sem  *semaphore.Weighted

	mu        sync.Mutex
	idle      []*pooledConn
	leased    int
	broken    int
	nextID    uint64
	created   uint64
	discarded uint64
	closed    bool
}

// New builds an empty pool. No connection is opened until first use.
func New(cfg Config, dial DialFunc, log zerolog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	return &Pool{
		cfg:  cfg,
		dial: dial,
		log:  log.With().Str("component", "pool").Str("endpoint", cfg.Endpoint).Logger(),
		sem:  semaphore.NewWeighted(int64(cfg.Size)),
	}
}

// Lease is an exclusive hold on one session until Release.
type Lease struct {
	p    *Pool
	c    *pooledConn
	done bool
}

func (l *Lease) Session() Session { return l.c.session }

// Acquire waits up to timeout for a free slot, then hands out an idle
// session or dials a new one.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Lease, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s after %s", ErrAcquireTimeout, p.cfg.Endpoint, timeout)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	if n := len(p.idle); n > 0 {
		c := p.idle[n-1]
		p.idle = p.idle[:n-1]
		c.state = StateLeased
		p.leased++
		p.mu.Unlock()
		return &Lease{p: p, c: c}, nil
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	s, err := p.dial(ctx)
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}

	p.mu.Lock()
	p.created++
	p.leased++
	if p.broken > 0 {
		p.broken--
	}
	p.mu.Unlock()

	p.log.Debug().Uint64("conn", id).Msg("connection opened")
	return &Lease{p: p, c: &pooledConn{id: id, session: s, state: StateLeased}}, nil
}

// Release returns the lease. An unhealthy session is closed and its slot is
// refilled by a fresh dial on a later Acquire.
func (p *Pool) Release(l *Lease, healthy bool) {
	if l == nil || l.done {
		return
	}
	l.done = true

	p.mu.Lock()
	p.leased--
	keep := healthy && !p.closed
	if keep {
		l.c.state = StateIdle
		p.idle = append(p.idle, l.c)
	} else {
		l.c.state = StateBroken
		p.discarded++
		if !p.closed {
			p.broken++
		}
	}
	p.mu.Unlock()

	if !keep {
		if err := l.c.session.Close(); err != nil {
			p.log.Debug().Err(err).Uint64("conn", l.c.id).Msg("close failed")
		}
		if !healthy {
			p.log.Debug().Uint64("conn", l.c.id).Msg("connection discarded")
		}
	}
	p.sem.Release(1)
}

// Do runs fn on a leased session. Connection-level failures discard the
// session and retry on a fresh lease, waiting 0, 1x, 2x the timeout before
// successive attempts. Other errors return at once.
func (p *Pool) Do(ctx context.Context, acquireTimeout time.Duration, fn func(context.Context, Session) error) error {
	var last error

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*p.cfg.Timeout); err != nil {
				return fmt.Errorf("pool: %s: %w (last: %v)", p.cfg.Endpoint, err, last)
			}
		}

		lease, err := p.Acquire(ctx, acquireTimeout)
		if err != nil {
			if !protocol.IsConnectionLevel(err) {
				return err
			}
			last = err
			p.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
			continue
		}

		err = p.exchange(ctx, lease, fn)
		if err == nil || !protocol.IsConnectionLevel(err) {
			p.Release(lease, true)
			return err
		}

		p.Release(lease, false)
		last = err
		p.log.Warn().Err(err).Int("attempt", attempt).Msg("exchange failed")

		if ctx.Err() != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s after %d attempts: %w", ErrConnectionExhausted, p.cfg.Endpoint, p.cfg.MaxAttempts, last)
}

// exchange runs fn on the lease. A panic in fn discards the session and
// frees the slot before it propagates.
func (p *Pool) exchange(ctx context.Context, lease *Lease, fn func(context.Context, Session) error) error {
	defer func() {
		if r := recover(); r != nil {
			p.Release(lease, false)
			p.log.Warn().Uint64("conn", lease.c.id).Interface("panic", r).Msg("exchange panicked")
			panic(r)
		}
	}()
	return fn(ctx, lease.Session())
}

// Stats never blocks on a lease.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Endpoint:  p.cfg.Endpoint,
		Size:      p.cfg.Size,
		Idle:      len(p.idle),
		Leased:    p.leased,
		Broken:    p.broken,
		Created:   p.created,
		Discarded: p.discarded,
	}
}

// Close closes idle sessions and refuses new acquires. Sessions still
// leased are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		c.state = StateBroken
		if err := c.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.log.Debug().Int("closed", len(idle)).Msg("pool closed")
	return errors.Join(errs...)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
