// SPDX-License-Identifier: GPL-2.0-or-later

// Package clock provides an injectable wall clock.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock tells time and sleeps. Components that schedule periodic work
// take a Clock as an explicit dependency so tests can substitute a
// simulated one.
type Clock interface {
	Now() time.Time

	// Sleep blocks for d or until ctx is canceled, in which case it
	// returns the context error.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the system clock.
type Real struct{}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// Sleep blocks for d or until ctx is canceled.
func (Real) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Simulated is a deterministic clock for tests. Time only moves when
// Advance is called.
type Simulated struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter
}

type waiter struct {
	deadline time.Time
	wake     chan struct{}
}

// NewSimulated returns a simulated clock starting at now.
func NewSimulated(now time.Time) *Simulated {
	return &Simulated{now: now}
}

// Now returns the simulated time.
func (c *Simulated) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep blocks until Advance moves the clock past the deadline or ctx
// is canceled.
func (c *Simulated) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		return ctx.Err()
	}
	wake := make(chan struct{})
	c.waiters = append(c.waiters, waiter{
		deadline: c.now.Add(d),
		wake:     wake,
	})
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	}
}

// Advance moves the simulated time forward and wakes expired sleepers.
func (c *Simulated) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)

	remaining := c.waiters[:0]
	for _, w := range c.waiters {
		if w.deadline.After(c.now) {
			remaining = append(remaining, w)
			continue
		}
		close(w.wake)
	}
	c.waiters = remaining
}

// Sleepers returns the number of goroutines blocked in Sleep. Tests use
// it to wait for a loop to reach its next sleep before advancing.
func (c *Simulated) Sleepers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
