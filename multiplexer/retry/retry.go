// Package retry schedules reconnection attempts with exponential backoff and
// keeps a per-stream attempt counter.
package retry

import (
	"sync"
	"time"

	"github.com/papercomputeco/spool/pkg/clock"
)

// Policy is the retry configuration.
type Policy struct {
	Enabled     bool
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay returns the backoff before retry number attempt, counting from zero:
// BaseDelay, 2×BaseDelay, 4×BaseDelay and so on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so large attempt counts cannot overflow.
	if attempt > 30 {
		attempt = 30
	}
	return p.BaseDelay * time.Duration(1<<attempt)
}

// Coordinator owns the attempt counters and pending retry timers of every
// stream. It is safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	policy   Policy
	clock    clock.Clock
	attempts map[string]int
	pending  map[string]*pending
}

type pending struct {
	timer clock.Timer
}

// New returns a Coordinator applying p. A nil clock uses wall time.
func New(p Policy, c clock.Clock) *Coordinator {
	return &Coordinator{
		policy:   p,
		clock:    clock.OrReal(c),
		attempts: make(map[string]int),
		pending:  make(map[string]*pending),
	}
}

// Policy returns the current policy.
func (c *Coordinator) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetPolicy replaces the policy. Pending timers keep their delay.
func (c *Coordinator) SetPolicy(p Policy) {
	c.mu.Lock()
	c.policy = p
	c.mu.Unlock()
}

// Schedule arms a retry of id that calls fn after the backoff delay, when
// the policy allows another attempt. It increments the counter of id by
// exactly one and returns the delay and the new attempt number. ok is false
// when retries are disabled or exhausted; nothing is armed then.
//
// A pending retry of id is replaced.
func (c *Coordinator) Schedule(id string, fn func()) (delay time.Duration, attempt int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.attempts[id]
	if !c.policy.Enabled || n >= c.policy.MaxAttempts {
		return 0, n, false
	}

	delay = c.policy.Delay(n)
	attempt = n + 1
	c.attempts[id] = attempt

	if p, exists := c.pending[id]; exists {
		p.timer.Stop()
	}
	p := &pending{}
	p.timer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		current := c.pending[id] == p
		if current {
			delete(c.pending, id)
		}
		c.mu.Unlock()

		// A timer that lost a race with Cancel must not fire.
		if current {
			fn()
		}
	})
	c.pending[id] = p

	return delay, attempt, true
}

// Attempts returns the number of retries scheduled for id since its last
// reset.
func (c *Coordinator) Attempts(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts[id]
}

// Pending reports whether a retry of id is armed.
func (c *Coordinator) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Cancel disarms a pending retry of id and keeps its counter.
func (c *Coordinator) Cancel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(id)
}

// Reset zeroes the counter of id and disarms its pending retry.
func (c *Coordinator) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelLocked(id)
	delete(c.attempts, id)
}

// CancelAll disarms every pending retry and zeroes every counter.
func (c *Coordinator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.pending {
		c.cancelLocked(id)
	}
	clear(c.attempts)
}

func (c *Coordinator) cancelLocked(id string) {
	if p, ok := c.pending[id]; ok {
		p.timer.Stop()
		delete(c.pending, id)
	}
}
