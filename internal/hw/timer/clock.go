package timer

import (
	"context"
	"sync"
	"time"
)

// Clock is a monotonic time source measured from boot.
type Clock interface {
	Now() time.Duration
}

// SystemClock reads the monotonic wall clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock returns a clock whose zero is the moment of the call.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

func (c *SystemClock) Now() time.Duration {
	return time.Since(c.start)
}

// ManualClock only moves when told to. Used by tests and simulations to
// drive the schedulers deterministically.
type ManualClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *ManualClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Duration) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Run dispatches q against clock until ctx is cancelled. It sleeps until the
// earliest wake time, waking early when a timer is scheduled. idle bounds the
// sleep while the queue is empty.
func Run(ctx context.Context, q *Queue, clock Clock, idle time.Duration) error {
	if idle <= 0 {
		idle = 10 * time.Millisecond
	}
	sleep := time.NewTimer(idle)
	defer sleep.Stop()

	for {
		q.Dispatch(clock.Now())

		wait := idle
		if next, ok := q.Next(); ok {
			wait = next - clock.Now()
			if wait <= 0 {
				continue
			}
		}

		sleep.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		case <-sleep.C:
		}
	}
}
