// internal/poller/builder.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tamzrod/tag-collector/internal/config"
	"github.com/tamzrod/tag-collector/internal/protocol"
)

// Build constructs one worker per configured group and registers them on a
// new scheduler. Groups on the same device share that device's pool.
// Nothing is started.
func Build(base context.Context, cfg *config.Config, devices map[string]Device, out Emitter, log zerolog.Logger) (*Scheduler, error) {
	c := cfg.Collector
	grace := time.Duration(c.Scheduler.StopGraceMs) * time.Millisecond

	byID := make(map[string]config.DeviceConfig, len(c.Devices))
	for _, d := range c.Devices {
		byID[d.ID] = d
	}

	s := NewScheduler(base, log)
	var errs []error

	for _, g := range c.Groups {
		d, ok := byID[g.Device]
		if !ok {
			errs = append(errs, fmt.Errorf("poller: group %q: unknown device %q", g.Name, g.Device))
			continue
		}
		dev, ok := devices[g.Device]
		if !ok {
			errs = append(errs, fmt.Errorf("poller: group %q: no pool for device %q", g.Name, g.Device))
			continue
		}

		spec, err := SpecFor(g, d, c.Scheduler)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := s.Add(NewWorker(spec, dev, out, grace, log)); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// SpecFor resolves a group's configuration into the snapshot its worker
// runs from.
func SpecFor(g config.GroupConfig, d config.DeviceConfig, sc config.SchedulerConfig) (GroupSpec, error) {
	spec := GroupSpec{
		Name:             g.Name,
		Device:           d.ID,
		Endpoint:         d.Endpoint().HostPort(),
		Category:         g.Category,
		Mode:             Mode(g.Mode),
		Active:           g.IsActive(),
		Interval:         time.Duration(g.IntervalMs) * time.Millisecond,
		AutoReset:        g.AutoResetTrigger,
		TriggerPoll:      time.Duration(g.TriggerPollMs) * time.Millisecond,
		ChunkSize:        sc.ChunkSize,
		FailureThreshold: sc.FailureThreshold,
		AcquireTimeout:   time.Duration(sc.AcquireTimeoutMs) * time.Millisecond,
	}

	spec.Tags = make([]protocol.Tag, 0, len(g.Tags))
	for _, raw := range g.Tags {
		t, err := protocol.ParseTag(raw)
		if err != nil {
			return GroupSpec{}, &ConfigurationError{Group: g.Name, Reason: err.Error()}
		}
		spec.Tags = append(spec.Tags, t)
	}

	if spec.Mode == ModeHandshake {
		a, err := protocol.ParseAddress(g.Trigger)
		if err != nil {
			return GroupSpec{}, &ConfigurationError{Group: g.Name, Reason: "trigger: " + err.Error()}
		}
		spec.Trigger = a
	}
	return spec, nil
}
