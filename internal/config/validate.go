// internal/config/validate.go
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/protocol"
	"github.com/tamzrod/tag-collector/internal/queue"
)

// Validate checks configuration correctness.
// It performs declarative validation only and reports every problem found.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	c := cfg.Collector

	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	// ------------------------------------------------------------
	// DEVICES
	// ------------------------------------------------------------

	if len(c.Devices) == 0 {
		fail("at least one device is required")
	}

	devices := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			fail("devices[%d]: id is required", i)
			continue
		}
		if devices[d.ID] {
			fail("device %q: duplicate id", d.ID)
		}
		devices[d.ID] = true

		if d.Address == "" {
			fail("device %q: address is required", d.ID)
		}
		if d.Port <= 0 || d.Port > 65535 {
			fail("device %q: port %d out of range", d.ID, d.Port)
		}
		switch strings.ToLower(d.Frame) {
		case "", "binary", "ascii":
		default:
			fail("device %q: frame must be binary or ascii, got %q", d.ID, d.Frame)
		}
		if d.TimeoutMs < 0 {
			fail("device %q: timeout_ms must be >= 0", d.ID)
		}
		if d.PoolSize < 0 {
			fail("device %q: pool_size must be >= 0", d.ID)
		}
	}

	// ------------------------------------------------------------
	// GROUPS
	// ------------------------------------------------------------

	groups := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if g.Name == "" {
			fail("groups[%d]: name is required", i)
			continue
		}
		if groups[g.Name] {
			fail("group %q: duplicate name", g.Name)
		}
		groups[g.Name] = true

		if !devices[g.Device] {
			fail("group %q: unknown device %q", g.Name, g.Device)
		}

		switch strings.ToLower(g.Mode) {
		case "", "fixed":
			if g.IntervalMs <= 0 {
				fail("group %q: fixed mode requires interval_ms > 0", g.Name)
			}
		case "handshake":
			if g.Trigger == "" {
				fail("group %q: handshake mode requires trigger", g.Name)
			} else if a, err := protocol.ParseAddress(g.Trigger); err != nil {
				fail("group %q: trigger: %w", g.Name, err)
			} else if !a.IsBit() {
				fail("group %q: trigger %s is not a bit device", g.Name, a)
			}
			if g.TriggerPollMs < 0 {
				fail("group %q: trigger_poll_ms must be >= 0", g.Name)
			}
		default:
			fail("group %q: mode must be fixed or handshake, got %q", g.Name, g.Mode)
		}

		if len(g.Tags) == 0 {
			fail("group %q: at least one tag is required", g.Name)
		}
		seen := make(map[string]bool, len(g.Tags))
		for _, raw := range g.Tags {
			t, err := protocol.ParseTag(raw)
			if err != nil {
				fail("group %q: %w", g.Name, err)
				continue
			}
			if seen[t.Name] {
				fail("group %q: duplicate tag %q", g.Name, t.Name)
			}
			seen[t.Name] = true
		}
	}

	// ------------------------------------------------------------
	// PIPELINE
	// ------------------------------------------------------------

	s := c.Scheduler
	if s.ChunkSize < 0 || s.ChunkSize > protocol.MaxPoints {
		fail("scheduler: chunk_size must be between 1 and %d", protocol.MaxPoints)
	}
	if s.StopGraceMs < 0 || s.AcquireTimeoutMs < 0 || s.FailureThreshold < 0 {
		fail("scheduler: durations and thresholds must be >= 0")
	}
	if s.StopGraceMs > MaxStopGraceMs {
		fail("scheduler: stop_grace_ms must be at most %d", MaxStopGraceMs)
	}

	if c.Queue.Capacity < 0 {
		fail("queue: capacity must be >= 0")
	}
	if _, err := queue.ParsePolicy(c.Queue.Overflow); err != nil {
		errs = append(errs, err)
	}

	w := c.Writer
	if w.BatchSize < 0 || w.FlushIntervalMs < 0 || w.MaxAttempts < 0 {
		fail("writer: batch_size, flush_interval_ms and max_attempts must be >= 0")
	}
	for _, b := range w.BackoffMs {
		if b <= 0 {
			fail("writer: backoff_ms entries must be > 0")
			break
		}
	}
	if w.WriteTimeoutMs < 0 || w.ShutdownTimeoutMs < 0 {
		fail("writer: timeouts must be >= 0")
	}
	if w.CircuitBreaker.Failures < 0 || w.CircuitBreaker.OpenMs < 0 {
		fail("writer: circuit_breaker values must be >= 0")
	}

	if c.Sink.BusyTimeoutMs < 0 {
		fail("sink: busy_timeout_ms must be >= 0")
	}

	// ------------------------------------------------------------
	// LOGGING
	// ------------------------------------------------------------

	l := c.Logging
	if l.Level != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(l.Level)); err != nil {
			fail("logging: unknown level %q", l.Level)
		}
	}
	switch l.Format {
	case "", "console", "json":
	default:
		fail("logging: format must be console or json, got %q", l.Format)
	}
	switch l.Output {
	case "", "stdout", "stderr", "file":
	default:
		fail("logging: output must be stdout, stderr or file, got %q", l.Output)
	}

	return errors.Join(errs...)
}
