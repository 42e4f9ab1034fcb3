// Package timer provides the one-shot timers automations arm for auto-off,
// motion timeout and manual override expiry. Each (owner, purpose) pair has
// at most one live timer; arming again replaces it.
package timer

import (
	"fmt"
	"sync"
	"time"

	"smartcontroller/internal/clock"

	"go.uber.org/zap"
)

// Purpose says what a timer is for
type Purpose int

const (
	AutoOff Purpose = iota
	MotionOff
	ManualOverrideExpiry
)

func (p Purpose) String() string {
	switch p {
	case AutoOff:
		return "auto_off"
	case MotionOff:
		return "motion_off"
	case ManualOverrideExpiry:
		return "manual_override_expiry"
	default:
		return fmt.Sprintf("purpose(%d)", int(p))
	}
}

// Handle identifies one arming of a timer. A fired handle is only acted upon
// if Claim accepts it, which rejects handles superseded by a later Arm or
// removed by Cancel.
type Handle struct {
	Owner   string    `json:"owner"`
	Purpose Purpose   `json:"purpose"`
	FiresAt time.Time `json:"fires_at"`
	Seq     uint64    `json:"-"`
}

// FireFunc is called from the clock's goroutine when a timer expires. It
// should hand the handle to the owner's serialized context rather than do
// work inline.
type FireFunc func(Handle)

type key struct {
	owner   string
	purpose Purpose
}

type entry struct {
	handle Handle
	timer  clock.Timer
}

// Service owns every live timer
type Service struct {
	clock  clock.Clock
	logger *zap.Logger

	mu      sync.Mutex
	timers  map[key]*entry
	seq     uint64
	stopped bool
}

// NewService creates a timer service on clk
func NewService(clk clock.Clock, logger *zap.Logger) *Service {
	return &Service{
		clock:  clk,
		logger: logger.Named("timer"),
		timers: make(map[key]*entry),
	}
}

// Arm schedules fire after d, cancelling any live timer with the same owner
// and purpose
func (s *Service) Arm(owner string, purpose Purpose, d time.Duration, fire FireFunc) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{owner: owner, purpose: purpose}
	if existing, ok := s.timers[k]; ok {
		existing.timer.Stop()
		delete(s.timers, k)
	}

	s.seq++
	h := Handle{
		Owner:   owner,
		Purpose: purpose,
		FiresAt: s.clock.Now().Add(d),
		Seq:     s.seq,
	}
	if s.stopped {
		return h
	}

	s.timers[k] = &entry{
		handle: h,
		timer:  s.clock.AfterFunc(d, func() { fire(h) }),
	}

	s.logger.Debug("Timer armed",
		zap.String("owner", owner),
		zap.Stringer("purpose", purpose),
		zap.Time("fires_at", h.FiresAt))
	return h
}

// Claim consumes a fired handle. It returns false when the handle is stale.
func (s *Service) Claim(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{owner: h.Owner, purpose: h.Purpose}
	current, ok := s.timers[k]
	if !ok || current.handle.Seq != h.Seq {
		s.logger.Debug("Discarding stale timer",
			zap.String("owner", h.Owner),
			zap.Stringer("purpose", h.Purpose))
		return false
	}
	delete(s.timers, k)
	return true
}

// Cancel stops the live timer for owner and purpose, if any
func (s *Service) Cancel(owner string, purpose Purpose) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{owner: owner, purpose: purpose}
	current, ok := s.timers[k]
	if !ok {
		return false
	}
	current.timer.Stop()
	delete(s.timers, k)
	return true
}

// CancelAll stops every timer belonging to owner
func (s *Service) CancelAll(owner string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.timers {
		if k.owner == owner {
			e.timer.Stop()
			delete(s.timers, k)
		}
	}
}

// Active returns the live handle for owner and purpose
func (s *Service) Active(owner string, purpose Purpose) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[key{owner: owner, purpose: purpose}]
	if !ok {
		return Handle{}, false
	}
	return e.handle, true
}

// Stop cancels every timer and refuses new ones
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, k)
	}
	s.stopped = true
}
