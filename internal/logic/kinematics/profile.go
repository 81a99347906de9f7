// Package kinematics holds the pure, stateless policies of the axis engine:
// the velocity ramp, the step resolution and current tier selection, and the
// backlash job decision. Nothing in here touches hardware or shared state.
package kinematics

import (
	"math"
	"time"
)

// NextVelocity returns the ramp-limited velocity elapsed after a snapshot
// taken at velocity v0, accelerating at accel (steps/s²) toward target.
//
// The ramp is a single linear segment: once the time needed to reach target
// has passed the result is exactly target, never a continued climb. The sign
// of the acceleration is derived from target and v0 on every call. A
// non-positive accel disables ramp limiting.
func NextVelocity(accel, v0 float64, elapsed time.Duration, target float64) float64 {
	if accel <= 0 {
		return target
	}
	if target < v0 {
		accel = -accel
	}
	t := elapsed.Seconds()
	tReach := (target - v0) / accel
	if t-tReach > 0 || target == v0 {
		return target
	}
	return v0 + accel*t
}

// PulsePeriod is the time between completed pulses needed to move at v
// native microsteps per second when each pulse advances resolution
// microsteps. v must be non-zero; callers handle the stop branch first. The
// result is at least 1ns, so a moving axis never gets the stop period.
func PulsePeriod(v float64, resolution int64) time.Duration {
	perSecond := math.Abs(v) / float64(resolution)
	p := time.Duration(float64(time.Second) / perSecond)
	if p < time.Nanosecond {
		return time.Nanosecond
	}
	return p
}

// Clamp limits v to [-max, max].
func Clamp(v, max float64) float64 {
	if max < 0 {
		max = 0
	}
	if math.Abs(v) > max {
		return math.Copysign(max, v)
	}
	return v
}
