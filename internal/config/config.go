// internal/config/config.go
package config

import (
	"time"

	"github.com/tamzrod/tag-collector/internal/protocol"
)

type Config struct {
	Collector CollectorConfig `yaml:"collector"`
}

type CollectorConfig struct {
	Devices   []DeviceConfig  `yaml:"devices"`
	Groups    []GroupConfig   `yaml:"groups"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Writer    WriterConfig    `yaml:"writer"`
	Sink      SinkConfig      `yaml:"sink"`
	Backup    BackupConfig    `yaml:"backup"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	Frame   string `yaml:"frame"` // binary | ascii

	// Opaque addressing, passed through to every request.
	Network       uint8   `yaml:"network"`
	Station       *uint8  `yaml:"station"`   // default 0xFF
	ModuleIO      *uint16 `yaml:"module_io"` // default 0x03FF
	ModuleStation uint8   `yaml:"module_station"`

	TimeoutMs int `yaml:"timeout_ms"`
	PoolSize  int `yaml:"pool_size"`
}

// Endpoint is the protocol view of the device. Call after Normalize.
func (d DeviceConfig) Endpoint() protocol.Endpoint {
	ep := protocol.Endpoint{
		Address:       d.Address,
		Port:          d.Port,
		Frame:         protocol.Frame(d.Frame),
		Network:       d.Network,
		Station:       DefaultStation,
		ModuleIO:      DefaultModuleIO,
		ModuleStation: d.ModuleStation,
		Timeout:       time.Duration(d.TimeoutMs) * time.Millisecond,
	}
	if d.Station != nil {
		ep.Station = *d.Station
	}
	if d.ModuleIO != nil {
		ep.ModuleIO = *d.ModuleIO
	}
	return ep
}

// ---- GROUP ----

type GroupConfig struct {
	Name     string `yaml:"name"`
	Device   string `yaml:"device"`
	Mode     string `yaml:"mode"` // fixed | handshake
	Category string `yaml:"category"`
	Active   *bool  `yaml:"active"` // default true

	// FIXED
	IntervalMs int `yaml:"interval_ms"`

	// HANDSHAKE
	Trigger          string `yaml:"trigger"`
	AutoResetTrigger bool   `yaml:"auto_reset_trigger"`
	TriggerPollMs    int    `yaml:"trigger_poll_ms"`

	// "D100", "D102:float32", "M10"
	Tags []string `yaml:"tags"`
}

func (g GroupConfig) IsActive() bool {
	return g.Active == nil || *g.Active
}

// ---- SCHEDULER ----

type SchedulerConfig struct {
	StopGraceMs      int `yaml:"stop_grace_ms"`
	AcquireTimeoutMs int `yaml:"acquire_timeout_ms"`
	FailureThreshold int `yaml:"failure_threshold"`
	ChunkSize        int `yaml:"chunk_size"`
}

// ---- QUEUE ----

type QueueConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"` // drop_oldest | reject_newest
}

// ---- WRITER ----

type WriterConfig struct {
	BatchSize         int   `yaml:"batch_size"`
	FlushIntervalMs   int   `yaml:"flush_interval_ms"`
	MaxAttempts       int   `yaml:"max_attempts"`
	BackoffMs         []int `yaml:"backoff_ms"`
	WriteTimeoutMs    int   `yaml:"write_timeout_ms"`
	ShutdownTimeoutMs int   `yaml:"shutdown_timeout_ms"`

	CircuitBreaker BreakerConfig `yaml:"circuit_breaker"`
}

type BreakerConfig struct {
	Enabled  bool `yaml:"enabled"`
	Failures int  `yaml:"failures"`
	OpenMs   int  `yaml:"open_ms"`
}

// ---- SINK / BACKUP ----

type SinkConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
	DefaultTable  string `yaml:"default_table"`

	// category -> table
	Tables map[string]string `yaml:"tables"`
}

type BackupConfig struct {
	Dir string `yaml:"dir"`
}

// ---- LOGGING ----

type LoggingConfig struct {
	Level  string        `yaml:"level"`  // trace | debug | info | warn | error
	Format string        `yaml:"format"` // console | json
	Output string        `yaml:"output"` // stdout | stderr | file
	File   LogFileConfig `yaml:"file"`
}

type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"max_size"` // MB
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"` // days
	Compress   bool   `yaml:"compress"`
}
