// internal/logging/logger.go
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tamzrod/tag-collector/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the process logger. The closer releases the log file, if any.
// No global logger is touched; components receive the returned value.
func New(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	color := true

	switch cfg.Output {
	case "", "stdout":
	case "stderr":
		out = os.Stderr
	case "file":
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("logging: %w", err)
		}
		lj := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   cfg.File.Compress,
		}
		out, closer, color = lj, lj, false
	default:
		return zerolog.Nop(), nil, fmt.Errorf("logging: unknown output %q", cfg.Output)
	}

	return build(out, cfg.Format, color, level), closer, nil
}

func build(out io.Writer, format string, color bool, level zerolog.Level) zerolog.Logger {
	if format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    !color,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
