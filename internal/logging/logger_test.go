// internal/logging/logger_test.go
package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamzrod/tag-collector/internal/config"
)

func TestBuild_JSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := build(&buf, "json", false, zerolog.WarnLevel)

	log.Info().Msg("hidden")
	log.Warn().Str("group", "line1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &doc))
	assert.Equal(t, "shown", doc["message"])
	assert.Equal(t, "line1", doc["group"])
	assert.Contains(t, doc, "time")
}

func TestBuild_Console(t *testing.T) {
	var buf bytes.Buffer
	log := build(&buf, "console", false, zerolog.InfoLevel)
	log.Info().Str("group", "g").Msg("started")
	assert.Contains(t, buf.String(), "started")
	assert.Contains(t, buf.String(), "group=g")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "collector.log")
	log, closer, err := New(config.LoggingConfig{
		Level:  "debug",
		Format: "json",
		Output: "file",
		File:   config.LogFileConfig{Path: path, MaxSize: 1},
	})
	require.NoError(t, err)

	log.Debug().Msg("to file")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "to file")
}

func TestNew_Rejects(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(config.LoggingConfig{Output: "syslog"})
	assert.Error(t, err)
}
