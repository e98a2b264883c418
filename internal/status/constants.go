// internal/status/constants.go
package status

// Worker states as reported in GroupStatus.State.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
	StateError    = "error"
)

// ---- HEALTH CODES ----

// Health summarizes one group for operators. Codes are stable and may be
// stored or exported as numbers.
type Health uint16

// HealthUnknown represents a group that has not completed a cycle yet.
const HealthUnknown Health = 0

// HealthOK represents a group whose last cycle read every tag.
const HealthOK Health = 1

// HealthError represents a group whose last cycle read nothing, or that
// stopped itself after too many failures.
const HealthError Health = 2

// HealthStale represents a group whose last cycle read some chunks only.
const HealthStale Health = 3

// HealthDisabled represents a stopped or inactive group.
const HealthDisabled Health = 4

func (h Health) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthStale:
		return "stale"
	case HealthDisabled:
		return "disabled"
	}
	return "invalid"
}

func (h Health) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// SecondsInErrorMax caps the seconds-in-error counter.
const SecondsInErrorMax = 65535
