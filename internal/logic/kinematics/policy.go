package kinematics

import (
	"math"
	"time"
)

// Resolution is the number of native microsteps advanced by one pulse.
type Resolution int64

// Microstep is the native resolution: one microstep per pulse.
const Microstep Resolution = 1

// DecideResolution picks between microstep and full-step mode with
// hysteresis around threshold: full-step is entered only when speed exceeds
// threshold and left only when it drops to or below it. fullStep is the
// full-step multiplier (native microsteps per full step). A non-positive
// threshold keeps the axis in microstep mode.
func DecideResolution(current Resolution, speed, threshold float64, fullStep Resolution) Resolution {
	speed = math.Abs(speed)
	if threshold <= 0 || fullStep <= 1 {
		return Microstep
	}
	if current == fullStep {
		if speed <= threshold {
			return Microstep
		}
		return fullStep
	}
	if speed > threshold {
		return fullStep
	}
	return Microstep
}

// Tier is one of the three motor current levels.
type Tier uint8

const (
	TierHold Tier = iota
	TierMedium
	TierRun
)

func (t Tier) String() string {
	switch t {
	case TierHold:
		return "hold"
	case TierMedium:
		return "medium"
	case TierRun:
		return "run"
	}
	return "unknown"
}

// MinCurrent is the floor (mA) sent to the driver; zero current is refused
// by the driver hardware.
const MinCurrent = 50.0

// Currents is the three-tier current policy of one axis, in mA.
type Currents struct {
	Run       float64
	Medium    float64
	Hold      float64
	Threshold float64 // steps/s at or above which the run current is used
}

// DecideTier selects the current tier for speed. A stopped axis always
// holds, even with a zero threshold.
func DecideTier(speed, threshold float64) Tier {
	speed = math.Abs(speed)
	switch {
	case speed == 0:
		return TierHold
	case speed >= threshold:
		return TierRun
	default:
		return TierMedium
	}
}

// Value returns the clamped current for tier.
func (c Currents) Value(tier Tier) float64 {
	var v float64
	switch tier {
	case TierRun:
		v = c.Run
	case TierMedium:
		v = c.Medium
	default:
		v = c.Hold
	}
	if v < MinCurrent || math.IsNaN(v) {
		return MinCurrent
	}
	return v
}

// NeedsApply reports whether the driver must be written for the selected tier.
func NeedsApply(applied, selected Tier, haveApplied, force bool) bool {
	return force || !haveApplied || applied != selected
}

// BacklashJob is a run of extra pulses emitted in the new direction at a
// fixed period before velocity-driven stepping resumes.
type BacklashJob struct {
	Pulses uint32
	Period time.Duration
}

// OnDirectionChange decides whether a reversal from oldForward to newForward
// needs a backlash job. A job is started only when both steps and rate are
// positive.
func OnDirectionChange(oldForward, newForward bool, steps uint32, rate float64) (BacklashJob, bool) {
	if oldForward == newForward || steps == 0 || !(rate > 0) {
		return BacklashJob{}, false
	}
	return BacklashJob{
		Pulses: steps,
		Period: time.Duration(float64(time.Second) / rate),
	}, true
}
