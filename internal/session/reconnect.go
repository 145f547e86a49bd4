package session

import "time"

// DefaultReconnectDelay is the fixed wait before retrying after an uncommanded close.
const DefaultReconnectDelay = 5 * time.Second

// Timer is a cancellable pending task.
type Timer interface {
	Stop() bool
}

// Clock schedules functions to run after a delay.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Scheduler owns at most one pending reconnection timer.
//
// Scheduler is not safe for concurrent use; the registry loop owns it. Timer
// callbacks run on the clock's goroutine and must hand their generation back
// to the loop, which calls Claim before acting on the firing.
type Scheduler struct {
	clock   Clock
	delay   time.Duration
	pending Timer
	gen     uint64
}

// NewScheduler creates a scheduler with a fixed delay.
func NewScheduler(clock Clock, delay time.Duration) *Scheduler {
	if clock == nil {
		clock = realClock{}
	}
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	return &Scheduler{clock: clock, delay: delay}
}

// Schedule arms a timer calling fire with the timer's generation after the
// delay. It returns false without arming when a retry is already pending.
func (s *Scheduler) Schedule(fire func(gen uint64)) bool {
	if s.pending != nil {
		return false
	}
	s.gen++
	gen := s.gen
	s.pending = s.clock.AfterFunc(s.delay, func() { fire(gen) })
	return true
}

// Cancel stops the pending timer, if any. A firing already in flight is
// invalidated and will fail Claim.
func (s *Scheduler) Cancel() bool {
	if s.pending == nil {
		return false
	}
	s.pending.Stop()
	s.pending = nil
	s.gen++
	return true
}

// Claim consumes the pending retry when gen belongs to it. Stale firings
// from cancelled or superseded timers return false.
func (s *Scheduler) Claim(gen uint64) bool {
	if s.pending == nil || gen != s.gen {
		return false
	}
	s.pending = nil
	return true
}

// Pending reports whether a retry is armed.
func (s *Scheduler) Pending() bool {
	return s.pending != nil
}

// Delay returns the fixed retry delay.
func (s *Scheduler) Delay() time.Duration {
	return s.delay
}
