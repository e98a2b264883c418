// internal/pool/pool_test.go
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tag-collector/internal/protocol"
	"github.com/tamzrod/tag-collector/internal/reading"
)

// ---- fake session ----

type fakeSession struct {
	id     int
	closed atomic.Bool
}

func (f *fakeSession) Read(context.Context, []protocol.Tag) ([]reading.Value, error) {
	return nil, nil
}
func (f *fakeSession) ReadBit(context.Context, protocol.Address) (bool, error) { return false, nil }
func (f *fakeSession) WriteBit(context.Context, protocol.Address, bool) error  { return nil }
func (f *fakeSession) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	fail     error
}

func (d *fakeDialer) dial(context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	s := &fakeSession{id: len(d.sessions) + 1}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func newTestPool(d *fakeDialer, timeout time.Duration) *Pool {
	return New(Config{Endpoint: "plc-test", Size: 5, Timeout: timeout}, d.dial, zerolog.Nop())
}

var errTimeout = &protocol.ProtocolError{Kind: protocol.KindTimeout, Op: "read"}

// ---- tests ----

func TestPool_LazyCreation(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 10*time.Millisecond)

	assert.Equal(t, 0, d.count())

	l, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(l, true)

	l2, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Same(t, l.Session(), l2.Session(), "idle session is reused")
	p.Release(l2, true)

	assert.Equal(t, 1, d.count())
	st := p.Stats()
	assert.Equal(t, 1, st.Idle)
	assert.Equal(t, 0, st.Leased)
}

func TestPool_NeverLendsMoreThanSize(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 10*time.Millisecond)

	var leases []*Lease
	for i := 0; i < 5; i++ {
		l, err := p.Acquire(context.Background(), time.Second)
		require.NoError(t, err)
		leases = append(leases, l)
	}
	assert.Equal(t, 5, p.Stats().Leased)

	start := time.Now()
	_, err := p.Acquire(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	// a release unblocks a waiting acquire
	got := make(chan *Lease, 1)
	go func() {
		l, err := p.Acquire(context.Background(), time.Second)
		if err == nil {
			got <- l
		}
	}()
	time.Sleep(20 * time.Millisecond)
	p.Release(leases[0], true)

	select {
	case l := <-got:
		assert.Same(t, leases[0].Session(), l.Session())
		p.Release(l, true)
	case <-time.After(time.Second):
		t.Fatalf("acquire did not unblock after release")
	}

	for _, l := range leases[1:] {
		p.Release(l, true)
	}
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestPool_ConcurrentLeasesBounded(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 10*time.Millisecond)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), time.Second, func(context.Context, Session) error {
				n := inFlight.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(5))
	assert.LessOrEqual(t, d.count(), 5)
}

func TestPool_UnhealthyReleaseDiscards(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 10*time.Millisecond)

	l, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	first := l.Session().(*fakeSession)
	p.Release(l, false)

	assert.True(t, first.closed.Load())
	assert.Equal(t, uint64(1), p.Stats().Discarded)
	assert.Equal(t, 1, p.Stats().Broken)

	l, err = p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	assert.NotSame(t, first, l.Session())
	assert.Equal(t, 2, d.count())
	assert.Equal(t, 0, p.Stats().Broken, "fresh dial refills the slot")
	p.Release(l, true)

	// double release is ignored
	p.Release(l, true)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_DoRetriesThenExhausts(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, 20*time.Millisecond)

	var calls int
	start := time.Now()
	err := p.Do(context.Background(), time.Second, func(context.Context, Session) error {
		calls++
		return errTimeout
	})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConnectionExhausted)
	var pe *protocol.ProtocolError
	assert.True(t, errors.As(err, &pe), "last protocol error is wrapped")
	assert.Equal(t, 3, calls)
	// backoff 0 + 1x + 2x the timeout
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Equal(t, 3, d.count(), "each attempt uses a fresh connection")
	assert.Equal(t, uint64(3), p.Stats().Discarded)
	assert.Equal(t, 1, p.Stats().Broken)
}

func TestPool_PanicInExchangeFreesTheSlot(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, time.Millisecond)

	doPanics := func() (recovered any) {
		defer func() { recovered = recover() }()
		_ = p.Do(context.Background(), time.Second, func(context.Context, Session) error {
			panic("decoder blew up")
		})
		return nil
	}

	// more panics than slots
	for i := 0; i < 7; i++ {
		assert.Equal(t, "decoder blew up", doPanics())
	}

	st := p.Stats()
	assert.Equal(t, 0, st.Leased)
	assert.Equal(t, uint64(7), st.Discarded)
	for _, s := range d.sessions {
		assert.True(t, s.closed.Load())
	}

	l, err := p.Acquire(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	p.Release(l, true)
}

func TestPool_DoRecoversOnSecondAttempt(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, time.Millisecond)

	var calls int
	err := p.Do(context.Background(), time.Second, func(context.Context, Session) error {
		calls++
		if calls == 1 {
			return errTimeout
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestPool_DeviceRejectionNotRetried(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, time.Millisecond)

	refused := &protocol.ProtocolError{Kind: protocol.KindRefused, EndCode: 0xC051}
	var calls int
	err := p.Do(context.Background(), time.Second, func(context.Context, Session) error {
		calls++
		return refused
	})

	assert.ErrorIs(t, err, refused)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.Stats().Idle, "connection stays healthy")
}

func TestPool_DialFailuresExhaust(t *testing.T) {
	d := &fakeDialer{fail: &protocol.ProtocolError{Kind: protocol.KindTransport, Op: "dial"}}
	p := newTestPool(d, time.Millisecond)

	err := p.Do(context.Background(), time.Second, func(context.Context, Session) error {
		t.Fatalf("fn must not run without a session")
		return nil
	})
	assert.ErrorIs(t, err, ErrConnectionExhausted)
	assert.Equal(t, 0, p.Stats().Leased)
}

func TestPool_Close(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(d, time.Millisecond)

	idle, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	held, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	p.Release(idle, true)

	require.NoError(t, p.Close())
	assert.True(t, idle.Session().(*fakeSession).closed.Load())

	_, err = p.Acquire(context.Background(), time.Second)
	assert.ErrorIs(t, err, ErrClosed)

	p.Release(held, true)
	assert.True(t, held.Session().(*fakeSession).closed.Load())
}
