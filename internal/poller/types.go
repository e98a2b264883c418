// internal/poller/types.go
package poller

import (
	"context"
	"time"

	"github.com/tamzrod/tag-collector/internal/pool"
	"github.com/tamzrod/tag-collector/internal/protocol"
	"github.com/tamzrod/tag-collector/internal/reading"
)

const (
	DefaultChunkSize        = protocol.MaxPoints
	DefaultFailureThreshold = 10
	DefaultTriggerPoll      = 200 * time.Millisecond
	DefaultAcquireTimeout   = 2 * time.Second
	DefaultStopGrace        = 5 * time.Second
)

// Mode selects what drives a group's cycles.
type Mode string

const (
	ModeFixed     Mode = "fixed"
	ModeHandshake Mode = "handshake"
)

// Device runs exchanges against one endpoint. *pool.Pool implements it.
type Device interface {
	Do(ctx context.Context, acquireTimeout time.Duration, fn func(context.Context, pool.Session) error) error
}

// Emitter accepts one cycle of readings without blocking and returns the
// number of entries lost to overflow. *queue.Queue implements it.
type Emitter interface {
	PushAll(rs []reading.TagReading) int
}

// GroupSpec is the immutable snapshot a worker runs from.
type GroupSpec struct {
	Name     string
	Device   string
	Endpoint string
	Category string
	Mode     Mode
	Active   bool

	// Interval drives FIXED groups.
	Interval time.Duration

	// Trigger drives HANDSHAKE groups. It is polled every TriggerPoll.
	Trigger     protocol.Address
	AutoReset   bool
	TriggerPoll time.Duration

	Tags []protocol.Tag

	ChunkSize        int
	FailureThreshold int
	AcquireTimeout   time.Duration
}

// check reports why the spec cannot run, or nil.
func (s GroupSpec) check() error {
	bad := func(reason string) error { return &ConfigurationError{Group: s.Name, Reason: reason} }

	if len(s.Tags) == 0 {
		return bad("no tags")
	}
	switch s.Mode {
	case ModeFixed:
		if s.Interval <= 0 {
			return bad("interval must be > 0")
		}
	case ModeHandshake:
		if s.Trigger.Device == "" {
			return bad("handshake requires a trigger address")
		}
		if !s.Trigger.IsBit() {
			return bad("trigger must be a bit device")
		}
	default:
		return bad("unknown mode " + string(s.Mode))
	}
	return nil
}

func (s GroupSpec) withDefaults() GroupSpec {
	if s.ChunkSize <= 0 || s.ChunkSize > protocol.MaxPoints {
		s.ChunkSize = DefaultChunkSize
	}
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.TriggerPoll <= 0 {
		s.TriggerPoll = DefaultTriggerPoll
	}
	if s.AcquireTimeout <= 0 {
		s.AcquireTimeout = DefaultAcquireTimeout
	}
	return s
}

// chunk is a half-open range of tag indices read in one exchange.
type chunk struct{ lo, hi int }

func chunks(n, size int) []chunk {
	out := make([]chunk, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		out = append(out, chunk{lo: lo, hi: min(lo+size, n)})
	}
	return out
}
