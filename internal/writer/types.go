// internal/writer/types.go
package writer

import (
	"context"
	"errors"
	"time"

	"github.com/tamzrod/tag-collector/internal/backup"
	"github.com/tamzrod/tag-collector/internal/reading"
)

// ErrSinkWrite wraps every failed sink attempt.
var ErrSinkWrite = errors.New("writer: sink write failed")

// Batch is an ordered run of readings flushed together.
type Batch struct {
	ID        string
	CreatedAt time.Time
	Readings  []reading.TagReading
}

// Sink is the downstream store. WriteBatch must be atomic: on error no
// reading of the batch is visible.
type Sink interface {
	WriteBatch(ctx context.Context, b Batch) error
	Close() error
}

// Backup is the durable fallback for batches the sink rejected.
type Backup interface {
	Store(rec backup.Record) (string, error)
	Count() int
}

type BreakerConfig struct {
	Enabled bool
	// Failures is the number of consecutive failed batches that opens the breaker.
	Failures    uint32
	OpenTimeout time.Duration
}

type Config struct {
	BatchSize       int
	FlushInterval   time.Duration
	MaxAttempts     int
	Backoff         []time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Breaker         BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		BatchSize:       500,
		FlushInterval:   500 * time.Millisecond,
		MaxAttempts:     3,
		Backoff:         []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		WriteTimeout:    5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Breaker: BreakerConfig{
			Failures:    5,
			OpenTimeout: 30 * time.Second,
		},
	}
}

// Stats are lifetime counters. Windowed figures come from the tracker.
type Stats struct {
	BatchesWritten   uint64
	ReadingsWritten  uint64
	BatchesBackedUp  uint64
	ReadingsBackedUp uint64
	// BackupErrors counts batches that neither the sink nor the backup
	// directory accepted.
	BackupErrors uint64
	Attempts     uint64
	BreakerState string
}
