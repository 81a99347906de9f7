// Package encoder provides the shaft encoders read by the axis controllers.
// Counts are in encoder ticks; the axis only compares successive readings.
package encoder

import "sync/atomic"

// Encoder is a signed tick counter that can be re-synchronised.
// Implementations must be safe to call from the step timer.
type Encoder interface {
	Read() int64
	Write(v int64)
}

// Counter is an in-memory Encoder moved by explicit Add calls. It stands in
// for the hardware decoder in mock mode and in tests.
type Counter struct {
	v atomic.Int64
}

func (c *Counter) Read() int64   { return c.v.Load() }
func (c *Counter) Write(v int64) { c.v.Store(v) }

// Add moves the counter by delta ticks and returns the new value.
func (c *Counter) Add(delta int64) int64 { return c.v.Add(delta) }
