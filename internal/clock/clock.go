// Package clock abstracts time so components can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Clock provides the current time and the ability to wait.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// SystemClock uses the real wall clock
type SystemClock struct{}

// NewSystemClock creates a clock backed by the time package
func NewSystemClock() *SystemClock {
	return &SystemClock{}
}

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Sleep(d time.Duration) {
	time.Sleep(d)
}

// FixtureClock is a manually driven clock for tests.
// Sleep advances the clock instead of blocking.
type FixtureClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixtureClock creates a fixture clock starting at the given time
func NewFixtureClock(start time.Time) *FixtureClock {
	return &FixtureClock{now: start}
}

func (c *FixtureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixtureClock) Sleep(d time.Duration) {
	c.Advance(d)
}

// Advance moves the clock forward
func (c *FixtureClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to an absolute time
func (c *FixtureClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
