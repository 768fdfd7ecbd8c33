package combat

import (
	"sync"
	"time"
)

// Scheduler runs delayed rule effects. Stop cancels every pending effect and
// waits for running ones. It is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
	running sync.WaitGroup
}

// NewScheduler creates a running Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[*time.Timer]struct{})}
}

// After calls fn in its own goroutine after d. It reports false, and never
// calls fn, once the scheduler is stopped.
//
// Precondition: fn must not be nil.
func (s *Scheduler) After(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	var t *time.Timer
	s.running.Add(1)
	t = time.AfterFunc(d, func() {
		defer s.running.Done()
		s.mu.Lock()
		delete(s.timers, t)
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			fn()
		}
	})
	s.timers[t] = struct{}{}
	return true
}

// Pending returns the number of effects not yet started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels pending effects and waits for running ones. Safe to call
// multiple times.
//
// Postcondition: No fn passed to After runs after Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for t := range s.timers {
		if t.Stop() {
			s.running.Done()
		}
		delete(s.timers, t)
	}
	s.mu.Unlock()
	s.running.Wait()
}
