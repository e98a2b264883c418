// internal/poller/errors.go
package poller

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("poller: group not found")
	ErrNotApplicable = errors.New("poller: operation not applicable")
	ErrInactive      = errors.New("poller: group is inactive")
)

// ConfigurationError means a group cannot run as configured. The group
// stays stopped.
type ConfigurationError struct {
	Group  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("poller: group %q: %s", e.Group, e.Reason)
}
