// Package poll provides eventual consistency while the push channel is
// down: a fixed-interval snapshot fetch that starts after a short grace
// delay and stops the instant the channel comes back.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/opsdesk/console-client-go/internal/config"
)

// FetchFunc pulls one authoritative snapshot and hands it to the
// reconciler. Failures are logged and the next tick tries again.
type FetchFunc func(ctx context.Context) error

// Scheduler runs the snapshot loop. Activate and Deactivate are driven
// by the channel manager's connected flag; a disabled scheduler ignores
// both.
type Scheduler struct {
	fetch        FetchFunc
	grace        time.Duration
	interval     time.Duration
	fetchTimeout time.Duration

	mu      sync.Mutex
	enabled bool
	done    chan struct{}
}

// New builds a scheduler. Non-positive grace or interval fall back to
// the shared defaults.
func New(fetch FetchFunc, grace, interval time.Duration) *Scheduler {
	if grace < 0 {
		grace = config.DefaultPollGrace
	}
	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	return &Scheduler{
		fetch:        fetch,
		grace:        grace,
		interval:     interval,
		fetchTimeout: config.PollFetchTimeout,
		enabled:      true,
	}
}

// SetEnabled turns the feature on or off. Disabling stops a running
// loop immediately.
func (s *Scheduler) SetEnabled(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	stop := !enabled && s.done != nil
	var done chan struct{}
	if stop {
		done = s.done
		s.done = nil
	}
	s.mu.Unlock()

	if stop {
		close(done)
	}
}

// Activate starts the poll loop: one fetch after the grace delay, then
// one per interval. Calling while already active is a no-op.
func (s *Scheduler) Activate() {
	s.mu.Lock()
	if !s.enabled || s.done != nil {
		s.mu.Unlock()
		return
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	log.Info().Dur("grace", s.grace).Dur("interval", s.interval).Msg("snapshot polling activated")
	go s.run(done)
}

// Deactivate clears the timer synchronously. A fetch already in flight
// is allowed to finish; no further fetch is scheduled.
func (s *Scheduler) Deactivate() {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.mu.Unlock()

	if done != nil {
		close(done)
		log.Info().Msg("snapshot polling deactivated")
	}
}

// Active reports whether the poll loop is currently scheduled.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// run waits out the grace delay, then fetches on every tick. The loop
// itself is the only caller of fetch, so polls never overlap.
func (s *Scheduler) run(done chan struct{}) {
	grace := time.NewTimer(s.grace)
	defer grace.Stop()

	select {
	case <-done:
		return
	case <-grace.C:
	}

	s.poll()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.poll()
		}
	}
}

func (s *Scheduler) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
	defer cancel()

	if err := s.fetch(ctx); err != nil {
		log.Warn().Err(err).Msg("snapshot poll failed")
	}
}
