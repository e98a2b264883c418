// internal/status/encode.go
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Report is what the collector publishes on each status tick.
type Report struct {
	Engine EngineStatus  `json:"engine"`
	Writer WriterMetrics `json:"writer"`
}

// Encode renders a report as indented JSON.
// No IO. No side effects.
func Encode(r Report) ([]byte, error) {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("status: encode: %w", err)
	}
	return append(b, '\n'), nil
}

// WriteFile replaces path atomically with the encoded report, so readers
// never observe a partial document.
func WriteFile(path string, r Report) error {
	b, err := Encode(r)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("status: %w", err)
	}
	return nil
}
