// internal/status/snapshot.go
package status

import (
	"errors"
	"time"
)

// GroupStatus is a point-in-time view of one polling group.
// It contains no logic and no memory of the past beyond current counters.
type GroupStatus struct {
	Name     string `json:"name"`
	Device   string `json:"device"`
	Endpoint string `json:"endpoint"`
	Mode     string `json:"mode"`
	Category string `json:"category,omitempty"`
	Active   bool   `json:"active"`
	TagCount int    `json:"tag_count"`

	State  string `json:"state"`
	Health Health `json:"health"`

	TotalPolls          uint64    `json:"total_polls"`
	SuccessCount        uint64    `json:"success_count"`
	ErrorCount          uint64    `json:"error_count"`
	Overruns            uint64    `json:"overruns"`
	Triggers            uint64    `json:"triggers"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgPollTimeMs       float64   `json:"avg_poll_time_ms"`
	LastPollTime        time.Time `json:"last_poll_time"`

	LastError      string `json:"last_error,omitempty"`
	LastErrorCode  uint16 `json:"last_error_code,omitempty"`
	SecondsInError uint16 `json:"seconds_in_error"`
}

// EngineStatus is the status surface of a running collector.
type EngineStatus struct {
	Timestamp      time.Time     `json:"engine_timestamp"`
	QueueDepth     int           `json:"queue_depth"`
	QueueCapacity  int           `json:"queue_capacity"`
	QueueOverflows uint64        `json:"queue_overflows"`
	Groups         []GroupStatus `json:"groups"`
}

// WriterMetrics merges the rolling write window with lifetime counters.
type WriterMetrics struct {
	WindowSeconds    float64 `json:"window_seconds"`
	Samples          int     `json:"samples"`
	AvgBatchSize     float64 `json:"avg_batch_size"`
	AvgLatencyMs     float64 `json:"avg_latency_ms"`
	ThroughputPerSec float64 `json:"throughput_per_sec"`
	SuccessCount     int     `json:"success_count"`
	FailureCount     int     `json:"failure_count"`
	SuccessRate      float64 `json:"success_rate"`

	BatchesWritten   uint64 `json:"batches_written"`
	ReadingsWritten  uint64 `json:"readings_written"`
	BatchesBackedUp  uint64 `json:"batches_backed_up"`
	ReadingsBackedUp uint64 `json:"readings_backed_up"`
	BackupErrors     uint64 `json:"backup_errors"`
	BackupFileCount  int    `json:"backup_file_count"`
	BreakerState     string `json:"breaker_state,omitempty"`
}

// ErrorCode extracts a best-effort code from an error without assuming
// concrete types. Errors that expose no code map to 1 (generic error).
func ErrorCode(err error) uint16 {
	if err == nil {
		return 0
	}

	type coder interface{ Code() uint16 }

	var c coder
	if errors.As(err, &c) && c.Code() != 0 {
		return c.Code()
	}
	return 1
}
