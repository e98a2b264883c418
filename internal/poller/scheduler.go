// internal/poller/scheduler.go
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tamzrod/tag-collector/internal/status"
)

// Scheduler owns the group -> worker map. Groups are fixed at build time;
// only their run state changes.
type Scheduler struct {
	base context.Context
	log  zerolog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	order   []string
}

// NewScheduler returns an empty scheduler. Workers run under base.
func NewScheduler(base context.Context, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		base:    base,
		log:     log.With().Str("component", "scheduler").Logger(),
		workers: make(map[string]*Worker),
	}
}

func (s *Scheduler) Add(w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.workers[w.Name()]; dup {
		return fmt.Errorf("poller: duplicate group %q", w.Name())
	}
	s.workers[w.Name()] = w
	s.order = append(s.order, w.Name())
	return nil
}

func (s *Scheduler) worker(name string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return w, nil
}

func (s *Scheduler) all() []*Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Worker, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.workers[name])
	}
	return out
}

// Start starts one group. Idempotent for a running group.
func (s *Scheduler) Start(name string) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}
	if err := w.Start(s.base); err != nil {
		var ce *ConfigurationError
		if errors.As(err, &ce) {
			s.log.Error().Err(err).Str("group", name).Msg("group not started")
		}
		return err
	}
	return nil
}

// Stop stops one group, waiting up to its grace period.
func (s *Scheduler) Stop(name string) error {
	w, err := s.worker(name)
	if err != nil {
		return err
	}
	w.Stop()
	return nil
}

// StartAll starts every active group and returns how many are running.
func (s *Scheduler) StartAll() int {
	running := 0
	for _, w := range s.all() {
		if !w.Spec().Active {
			continue
		}
		if err := w.Start(s.base); err != nil {
			s.log.Error().Err(err).Str("group", w.Name()).Msg("group not started")
			continue
		}
		running++
	}
	s.log.Info().Int("running", running).Msg("groups started")
	return running
}

// StopAll stops every group in parallel and returns how many were running.
// Each worker waits up to its own grace, so the call as a whole is bounded
// by the largest grace.
func (s *Scheduler) StopAll() int {
	var (
		g       errgroup.Group
		stopped atomic.Int64
	)
	for _, w := range s.all() {
		w := w
		g.Go(func() error {
			if w.Stop() {
				stopped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(stopped.Load())
	s.log.Info().Int("stopped", n).Msg("groups stopped")
	return n
}

// Trigger requests one cycle of a running HANDSHAKE group.
func (s *Scheduler) Trigger(name string) (int, error) {
	w, err := s.worker(name)
	if err != nil {
		return 0, err
	}
	n, err := w.Trigger()
	if err != nil {
		return 0, fmt.Errorf("trigger %q: %w", name, err)
	}
	return n, nil
}

// Status lists every group in configuration order.
func (s *Scheduler) Status() []status.GroupStatus {
	ws := s.all()
	out := make([]status.GroupStatus, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	return out
}
