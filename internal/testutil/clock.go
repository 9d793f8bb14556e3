package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of a StepClock.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// StepClock is a deterministic clock for tests: every call to Now returns
// the previous value plus a fixed step.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type StepClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	n     int64
}

// NewStepClock creates a clock whose first Now returns start. A zero start
// means Epoch; a zero step means one second.
func NewStepClock(start time.Time, step time.Duration) *StepClock {
	if start.IsZero() {
		start = Epoch
	}
	if step == 0 {
		step = time.Second
	}
	return &StepClock{start: start.UTC(), step: step}
}

// Now returns the next instant and advances the clock.
func (c *StepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.start.Add(time.Duration(c.n) * c.step)
	c.n++
	return t
}

// Peek returns the instant the next Now will return, without advancing.
func (c *StepClock) Peek() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.start.Add(time.Duration(c.n) * c.step)
}

// Reset rewinds the clock to its start.
//
// Used for test reuse. After Reset(), the next call to Now() returns start.
func (c *StepClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n = 0
}

// FixedClock always returns the same instant.
type FixedClock struct {
	T time.Time
}

// Now returns c.T.
func (c FixedClock) Now() time.Time {
	return c.T
}
