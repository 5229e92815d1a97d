package core

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic microsecond time source (absolute time since an
// arbitrary epoch, never going backwards).
type Clock interface {
	Now() uint64
}

// SystemClock measures microseconds since it was created using the Go
// runtime's monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a clock whose epoch is the moment of the call
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// Now returns microseconds since the clock was created
func (c *SystemClock) Now() uint64 {
	return uint64(time.Since(c.start).Microseconds())
}

// ManualClock is a Clock driven explicitly by the caller (for testing and
// for targets that maintain their own tick counter).
type ManualClock struct {
	now atomic.Uint64
}

// Now returns the current manual time
func (c *ManualClock) Now() uint64 {
	return c.now.Load()
}

// Set sets the absolute time
func (c *ManualClock) Set(us uint64) {
	c.now.Store(us)
}

// Advance moves the clock forward by us microseconds
func (c *ManualClock) Advance(us uint64) {
	c.now.Add(us)
}

// Elapsed returns the time since a previous timestamp, clamped at zero so
// that a timestamp written concurrently slightly ahead of now reads as 0.
func Elapsed(c Clock, since uint64) uint64 {
	now := c.Now()
	if now < since {
		return 0
	}
	return now - since
}

// Common durations in microseconds
const (
	Millisecond uint64 = 1000
	Second      uint64 = 1000 * Millisecond
)

// DurationFromUS converts microseconds to a time.Duration
func DurationFromUS(us uint64) time.Duration {
	return time.Duration(us) * time.Microsecond
}
