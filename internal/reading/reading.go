// internal/reading/reading.go
package reading

import (
	"fmt"
	"time"
)

// Quality flags how much a reading can be trusted.
type Quality uint8

const (
	QualityValid Quality = iota
	// QualityStale carries the last known value of a tag whose read failed.
	QualityStale
	// QualityError marks a failed read with no prior value.
	QualityError
)

func (q Quality) String() string {
	switch q {
	case QualityValid:
		return "valid"
	case QualityStale:
		return "stale"
	case QualityError:
		return "error"
	}
	return "unknown"
}

func ParseQuality(s string) (Quality, error) {
	switch s {
	case "valid":
		return QualityValid, nil
	case "stale":
		return QualityStale, nil
	case "error":
		return QualityError, nil
	}
	return 0, fmt.Errorf("reading: unknown quality %q", s)
}

// TagReading is one captured tag value. Immutable once enqueued.
type TagReading struct {
	Group     string
	Category  string
	Tag       string
	Value     Value
	Quality   Quality
	Timestamp time.Time
}
