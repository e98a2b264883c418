// internal/queue/queue.go
package queue

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tamzrod/tag-collector/internal/reading"
)

const DefaultCapacity = 10000

// Policy decides which entry is lost when the queue is full.
type Policy string

const (
	DropOldest   Policy = "drop_oldest"
	RejectNewest Policy = "reject_newest"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case DropOldest, "":
		return DropOldest, nil
	case RejectNewest:
		return RejectNewest, nil
	}
	return "", fmt.Errorf("queue: unknown overflow policy %q", s)
}

// Stats is a consistent snapshot of the counters.
// Pushed - Overflows - Popped == Depth always holds.
type Stats struct {
	Depth     int
	Capacity  int
	Pushed    uint64
	Popped    uint64
	Overflows uint64
}

// Queue is a bounded FIFO of readings. Push never blocks. Many producers,
// one consumer.
type Queue struct {
	policy Policy
	log    zerolog.Logger

	mu        sync.Mutex
	buf       []reading.TagReading
	head      int
	size      int
	pushed    uint64
	popped    uint64
	overflows uint64

	ready chan struct{}

	// loss logging is rate limited; counters are not
	limiter    *rate.Limiter
	logMu      sync.Mutex
	suppressed uint64
}

func New(capacity int, policy Policy, log zerolog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if policy == "" {
		policy = DropOldest
	}
	return &Queue{
		policy:  policy,
		log:     log.With().Str("component", "queue").Logger(),
		buf:     make([]reading.TagReading, capacity),
		ready:   make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Push enqueues r. It reports whether r was accepted; under drop_oldest it
// always is and the oldest entry is evicted instead.
func (q *Queue) Push(r reading.TagReading) bool {
	q.mu.Lock()
	lost, dropped, accepted := q.pushLocked(r)
	q.mu.Unlock()

	if dropped {
		q.logLoss(lost)
	}
	q.signal()
	return accepted
}

// PushAll enqueues one poll cycle, keeping its order. It returns the number
// of entries lost to overflow.
func (q *Queue) PushAll(rs []reading.TagReading) int {
	if len(rs) == 0 {
		return 0
	}

	var losses []reading.TagReading
	q.mu.Lock()
	for _, r := range rs {
		if lost, dropped, _ := q.pushLocked(r); dropped {
			losses = append(losses, lost)
		}
	}
	q.mu.Unlock()

	for _, l := range losses {
		q.logLoss(l)
	}
	q.signal()
	return len(losses)
}

func (q *Queue) pushLocked(r reading.TagReading) (lost reading.TagReading, dropped, accepted bool) {
	capacity := len(q.buf)
	q.pushed++

	if q.size == capacity {
		q.overflows++
		if q.policy == RejectNewest {
			return r, true, false
		}
		lost = q.buf[q.head]
		q.buf[q.head] = reading.TagReading{}
		q.head = (q.head + 1) % capacity
		q.size--
		dropped = true
	}

	q.buf[(q.head+q.size)%capacity] = r
	q.size++
	return lost, dropped, true
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) logLoss(r reading.TagReading) {
	q.logMu.Lock()
	defer q.logMu.Unlock()

	if !q.limiter.Allow() {
		q.suppressed++
		return
	}
	ev := q.log.Warn().
		Str("group", r.Group).
		Str("tag", r.Tag).
		Time("captured", r.Timestamp).
		Str("policy", string(q.policy)).
		Uint64("overflows", q.Overflows())
	if q.suppressed > 0 {
		ev = ev.Uint64("suppressed", q.suppressed)
		q.suppressed = 0
	}
	ev.Msg("queue overflow: reading lost")
}

// Ready is signalled after pushes. The consumer must still drain with
// PopBatch until it returns nothing.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// PopBatch removes up to max entries in FIFO order.
func (q *Queue) PopBatch(max int) []reading.TagReading {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := q.size
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}

	out := make([]reading.TagReading, n)
	capacity := len(q.buf)
	for i := 0; i < n; i++ {
		idx := (q.head + i) % capacity
		out[i] = q.buf[idx]
		q.buf[idx] = reading.TagReading{}
	}
	q.head = (q.head + n) % capacity
	q.size -= n
	q.popped += uint64(n)
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *Queue) Cap() int { return len(q.buf) }

func (q *Queue) Overflows() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.overflows
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Depth:     q.size,
		Capacity:  len(q.buf),
		Pushed:    q.pushed,
		Popped:    q.popped,
		Overflows: q.overflows,
	}
}
