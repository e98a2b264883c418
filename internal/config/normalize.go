// internal/config/normalize.go
package config

import "strings"

// Addressing defaults for a local station reached through the host module.
const (
	DefaultStation  uint8  = 0xFF
	DefaultModuleIO uint16 = 0x03FF
)

const (
	DefaultTimeoutMs = 1000
	DefaultPoolSize  = 5

	DefaultTriggerPollMs = 200

	DefaultStopGraceMs      = 5000
	MaxStopGraceMs          = 5000
	DefaultAcquireTimeoutMs = 2000
	DefaultFailureThreshold = 10
	DefaultChunkSize        = 50

	DefaultQueueCapacity = 10000
	DefaultOverflow      = "drop_oldest"

	DefaultBatchSize         = 500
	DefaultFlushIntervalMs   = 500
	DefaultMaxAttempts       = 3
	DefaultWriteTimeoutMs    = 5000
	DefaultShutdownTimeoutMs = 5000
	DefaultBreakerFailures   = 5
	DefaultBreakerOpenMs     = 30000

	DefaultSinkPath      = "./data/readings.db"
	DefaultBusyTimeoutMs = 5000
	DefaultTable         = "tag_readings"
	DefaultBackupDir     = "./backup"

	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"
	DefaultLogOutput     = "stdout"
	DefaultLogFile       = "./logs/collector.log"
	DefaultLogMaxSize    = 50
	DefaultLogMaxBackups = 5
	DefaultLogMaxAge     = 30
)

// DefaultBackoffMs is the wait before each retry of a failed batch.
var DefaultBackoffMs = []int{1000, 2000, 4000}

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	c := &cfg.Collector

	// ---- devices ----

	for i := range c.Devices {
		d := &c.Devices[i]
		d.Frame = strings.ToLower(d.Frame)
		if d.Frame == "" {
			d.Frame = "binary"
		}
		if d.Station == nil {
			v := DefaultStation
			d.Station = &v
		}
		if d.ModuleIO == nil {
			v := DefaultModuleIO
			d.ModuleIO = &v
		}
		setDefault(&d.TimeoutMs, DefaultTimeoutMs)
		setDefault(&d.PoolSize, DefaultPoolSize)
	}

	// ---- groups ----

	for i := range c.Groups {
		g := &c.Groups[i]
		g.Mode = strings.ToLower(g.Mode)
		if g.Mode == "" {
			g.Mode = "fixed"
		}
		if g.Mode == "handshake" {
			setDefault(&g.TriggerPollMs, DefaultTriggerPollMs)
		}
		for j := range g.Tags {
			g.Tags[j] = strings.TrimSpace(g.Tags[j])
		}
	}

	// ---- scheduler / queue ----

	setDefault(&c.Scheduler.StopGraceMs, DefaultStopGraceMs)
	setDefault(&c.Scheduler.AcquireTimeoutMs, DefaultAcquireTimeoutMs)
	setDefault(&c.Scheduler.FailureThreshold, DefaultFailureThreshold)
	setDefault(&c.Scheduler.ChunkSize, DefaultChunkSize)

	setDefault(&c.Queue.Capacity, DefaultQueueCapacity)
	if c.Queue.Overflow == "" {
		c.Queue.Overflow = DefaultOverflow
	}

	// ---- writer ----

	w := &c.Writer
	setDefault(&w.BatchSize, DefaultBatchSize)
	setDefault(&w.FlushIntervalMs, DefaultFlushIntervalMs)
	setDefault(&w.MaxAttempts, DefaultMaxAttempts)
	if len(w.BackoffMs) == 0 {
		w.BackoffMs = append([]int(nil), DefaultBackoffMs...)
	}
	setDefault(&w.WriteTimeoutMs, DefaultWriteTimeoutMs)
	setDefault(&w.ShutdownTimeoutMs, DefaultShutdownTimeoutMs)
	setDefault(&w.CircuitBreaker.Failures, DefaultBreakerFailures)
	setDefault(&w.CircuitBreaker.OpenMs, DefaultBreakerOpenMs)

	// ---- sink / backup ----

	if c.Sink.Path == "" {
		c.Sink.Path = DefaultSinkPath
	}
	setDefault(&c.Sink.BusyTimeoutMs, DefaultBusyTimeoutMs)
	if c.Sink.DefaultTable == "" {
		c.Sink.DefaultTable = DefaultTable
	}
	if c.Backup.Dir == "" {
		c.Backup.Dir = DefaultBackupDir
	}

	// ---- logging ----

	l := &c.Logging
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.Output == "" {
		l.Output = DefaultLogOutput
	}
	if l.Output == "file" {
		if l.File.Path == "" {
			l.File.Path = DefaultLogFile
		}
		setDefault(&l.File.MaxSize, DefaultLogMaxSize)
		setDefault(&l.File.MaxBackups, DefaultLogMaxBackups)
		setDefault(&l.File.MaxAge, DefaultLogMaxAge)
	}
}

func setDefault(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}
