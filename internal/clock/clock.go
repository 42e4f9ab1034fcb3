// Package clock abstracts wall time so timer-driven automations can be tested
// deterministically. Use RealClock in production and MockClock in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by the timer service and the automations.
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// AfterFunc calls f once d has elapsed and returns a Timer that can stop it.
	// The real implementation runs f on its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer

	// Since returns the time elapsed since t
	Since(t time.Time) time.Duration
}

// Timer is a single scheduled callback.
type Timer interface {
	// Stop prevents the Timer from firing. It reports whether the call stopped
	// a pending timer.
	Stop() bool
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

type realTimer struct {
	timer *time.Timer
}

// NewRealClock creates a new RealClock
func NewRealClock() *RealClock {
	return &RealClock{}
}

// Now returns the current time
func (c *RealClock) Now() time.Time {
	return time.Now()
}

// AfterFunc schedules f on a time.Timer
func (c *RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return &realTimer{timer: time.AfterFunc(d, f)}
}

// Since returns the time elapsed since t
func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (t *realTimer) Stop() bool {
	return t.timer.Stop()
}

// MockClock is a manually driven Clock. Time only moves through Advance and
// Set, and timers fire synchronously on the caller's goroutine in deadline
// order.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	deadline time.Time
	f        func()
	stopped  bool
}

// NewMockClock creates a MockClock starting at the given time
func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

// Now returns the mock current time
func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the mock time reaches now+d
func (c *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &mockTimer{deadline: c.current.Add(d), f: f}
	c.timers = append(c.timers, t)
	return &mockTimerHandle{clock: c, timer: t}
}

// Since returns the mock time elapsed since t
func (c *MockClock) Since(t time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current.Sub(t)
}

// Advance moves the clock forward by d. Expired timers fire one at a time,
// earliest first, with the clock set to each timer's deadline while it runs,
// so a callback that schedules a new timer inside the window sees it fire too.
func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		if next.deadline.After(c.current) {
			c.current = next.deadline
		}
		f := next.f
		c.mu.Unlock()

		// Fire outside the lock so the callback may schedule or stop timers
		f()
	}
}

// Set moves the clock to t, firing expired timers when t is in the future
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	current := c.current
	if !t.After(current) {
		c.current = t
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Advance(t.Sub(current))
}

// Pending returns the number of timers that have not fired or been stopped
func (c *MockClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// popDueLocked removes and returns the earliest live timer due at or before
// target. Stopped timers are dropped along the way.
func (c *MockClock) popDueLocked(target time.Time) *mockTimer {
	idx := -1
	live := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped {
			continue
		}
		live = append(live, t)
	}
	c.timers = live

	for i, t := range c.timers {
		if t.deadline.After(target) {
			continue
		}
		if idx == -1 || t.deadline.Before(c.timers[idx].deadline) {
			idx = i
		}
	}
	if idx == -1 {
		return nil
	}

	t := c.timers[idx]
	t.stopped = true
	c.timers = append(c.timers[:idx], c.timers[idx+1:]...)
	return t
}

type mockTimerHandle struct {
	clock *MockClock
	timer *mockTimer
}

func (h *mockTimerHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()

	wasActive := !h.timer.stopped
	h.timer.stopped = true
	return wasActive
}
