// internal/config/load.go
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file is decoded.
const (
	EnvLogLevel      = "COLLECTOR_LOG_LEVEL"
	EnvLogFormat     = "COLLECTOR_LOG_FORMAT"
	EnvSinkPath      = "COLLECTOR_SINK_PATH"
	EnvBackupDir     = "COLLECTOR_BACKUP_DIR"
	EnvQueueCapacity = "COLLECTOR_QUEUE_CAPACITY"
)

// Load reads a YAML file and applies environment overrides. The result is
// neither validated nor normalized.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a YAML document. Unknown keys are rejected so typos do not
// silently fall back to defaults.
func Parse(b []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty document")
		}
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	c := &cfg.Collector

	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup(EnvSinkPath); ok && v != "" {
		c.Sink.Path = v
	}
	if v, ok := lookup(EnvBackupDir); ok && v != "" {
		c.Backup.Dir = v
	}
	if v, ok := lookup(EnvQueueCapacity); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", EnvQueueCapacity, err)
		}
		c.Queue.Capacity = n
	}
	return nil
}
