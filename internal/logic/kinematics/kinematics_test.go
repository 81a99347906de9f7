package kinematics

import (
	"math"
	"testing"
	"time"
)

func TestNextVelocity_RampCompletesAtTarget(t *testing.T) {
	// accel 1000, target 500 from rest: ramp completes at t=0.5s.
	if v := NextVelocity(1000, 0, 500*time.Millisecond, 500); v != 500 {
		t.Errorf("v(0.5s) = %v, want 500", v)
	}
	if v := NextVelocity(1000, 0, 600*time.Millisecond, 500); v != 500 {
		t.Errorf("v(0.6s) = %v, want 500 (no continued climb)", v)
	}
	if v := NextVelocity(1000, 0, 250*time.Millisecond, 500); v != 250 {
		t.Errorf("v(0.25s) = %v, want 250", v)
	}
}

func TestNextVelocity_Deceleration(t *testing.T) {
	if v := NextVelocity(100, 50, 200*time.Millisecond, -50); math.Abs(v-30) > 1e-9 {
		t.Errorf("v = %v, want 30", v)
	}
	if v := NextVelocity(100, 50, 2*time.Second, -50); v != -50 {
		t.Errorf("v = %v, want -50", v)
	}
}

func TestNextVelocity_TargetEqualsStart(t *testing.T) {
	for _, elapsed := range []time.Duration{0, time.Millisecond, time.Second} {
		if v := NextVelocity(10, 42, elapsed, 42); v != 42 {
			t.Errorf("elapsed %v: v = %v, want 42", elapsed, v)
		}
	}
}

func TestNextVelocity_NonPositiveAccel(t *testing.T) {
	if v := NextVelocity(0, 0, time.Millisecond, 300); v != 300 {
		t.Errorf("v = %v, want 300", v)
	}
}

func TestNextVelocity_MonotonicNoOvershoot(t *testing.T) {
	cases := []struct {
		name          string
		accel, v0, to float64
	}{
		{"accelerate", 250, -100, 400},
		{"decelerate", 1000, 800, -20},
		{"small", 0.5, 0, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			prev := tc.v0
			up := tc.to > tc.v0
			for ms := 0; ms <= 5000; ms += 7 {
				v := NextVelocity(tc.accel, tc.v0, time.Duration(ms)*time.Millisecond, tc.to)
				if up && (v < prev || v > tc.to) {
					t.Fatalf("t=%dms: v=%v prev=%v target=%v", ms, v, prev, tc.to)
				}
				if !up && (v > prev || v < tc.to) {
					t.Fatalf("t=%dms: v=%v prev=%v target=%v", ms, v, prev, tc.to)
				}
				prev = v
			}
		})
	}
}

func TestPulsePeriod(t *testing.T) {
	if p := PulsePeriod(200, 1); p != 5*time.Millisecond {
		t.Errorf("PulsePeriod(200,1) = %v, want 5ms", p)
	}
	if p := PulsePeriod(-200, 1); p != 5*time.Millisecond {
		t.Errorf("PulsePeriod(-200,1) = %v, want 5ms", p)
	}
	if p := PulsePeriod(6400, 32); p != 5*time.Millisecond {
		t.Errorf("PulsePeriod(6400,32) = %v, want 5ms", p)
	}
	for _, v := range []float64{2e9, -5e12, math.MaxFloat64} {
		if p := PulsePeriod(v, 1); p != time.Nanosecond {
			t.Errorf("PulsePeriod(%g,1) = %v, want 1ns", v, p)
		}
	}
}

func TestClamp(t *testing.T) {
	if v := Clamp(600, 500); v != 500 {
		t.Errorf("Clamp(600,500) = %v", v)
	}
	if v := Clamp(-600, 500); v != -500 {
		t.Errorf("Clamp(-600,500) = %v", v)
	}
	if v := Clamp(10, 500); v != 10 {
		t.Errorf("Clamp(10,500) = %v", v)
	}
}

func TestDecideResolution_Hysteresis(t *testing.T) {
	const full Resolution = 32
	res := Microstep
	var changes int
	// Oscillate narrowly around the threshold while staying below it.
	for i := 0; i < 100; i++ {
		speed := 4000 - float64(i%2)*0.5
		next := DecideResolution(res, speed, 4000, full)
		if next != res {
			changes++
		}
		res = next
	}
	if changes != 0 {
		t.Errorf("resolution changed %d times at or below threshold", changes)
	}

	res = DecideResolution(res, 4000.5, 4000, full)
	if res != full {
		t.Fatalf("above threshold: res = %d, want %d", res, full)
	}
	if r := DecideResolution(res, 4000.1, 4000, full); r != full {
		t.Errorf("still above: res = %d, want %d", r, full)
	}
	if r := DecideResolution(res, 4000, 4000, full); r != Microstep {
		t.Errorf("at threshold: res = %d, want microstep", r)
	}
	if r := DecideResolution(res, -5000, 4000, full); r != full {
		t.Errorf("negative speed uses magnitude: res = %d", r)
	}
}

func TestDecideResolution_Disabled(t *testing.T) {
	if r := DecideResolution(32, 1e6, 0, 32); r != Microstep {
		t.Errorf("threshold 0: res = %d, want microstep", r)
	}
	if r := DecideResolution(Microstep, 1e6, -1, 32); r != Microstep {
		t.Errorf("threshold -1: res = %d, want microstep", r)
	}
}

func TestDecideTier_Precedence(t *testing.T) {
	cases := []struct {
		speed, threshold float64
		want             Tier
	}{
		{50, 100, TierMedium},
		{150, 100, TierRun},
		{100, 100, TierRun},
		{-150, 100, TierRun},
		{0, 100, TierHold},
		{0, 0, TierHold},
		{1, 0, TierRun},
	}
	for _, tc := range cases {
		if got := DecideTier(tc.speed, tc.threshold); got != tc.want {
			t.Errorf("DecideTier(%v, %v) = %v, want %v", tc.speed, tc.threshold, got, tc.want)
		}
	}
}

func TestCurrents_ValueClampsToFloor(t *testing.T) {
	c := Currents{Run: 800, Medium: 400, Hold: 0, Threshold: 100}
	if v := c.Value(TierRun); v != 800 {
		t.Errorf("run = %v", v)
	}
	if v := c.Value(TierMedium); v != 400 {
		t.Errorf("medium = %v", v)
	}
	if v := c.Value(TierHold); v != MinCurrent {
		t.Errorf("hold = %v, want floor %v", v, MinCurrent)
	}
	c.Run = -5
	if v := c.Value(TierRun); v != MinCurrent {
		t.Errorf("negative run = %v, want floor", v)
	}
}

func TestNeedsApply(t *testing.T) {
	if NeedsApply(TierRun, TierRun, true, false) {
		t.Error("same tier without force should not apply")
	}
	if !NeedsApply(TierRun, TierRun, true, true) {
		t.Error("force should apply")
	}
	if !NeedsApply(TierHold, TierHold, false, false) {
		t.Error("first application should apply")
	}
	if !NeedsApply(TierHold, TierRun, true, false) {
		t.Error("tier change should apply")
	}
}

func TestOnDirectionChange(t *testing.T) {
	job, ok := OnDirectionChange(true, false, 10, 50)
	if !ok {
		t.Fatal("expected a job on reversal")
	}
	if job.Pulses != 10 || job.Period != 20*time.Millisecond {
		t.Errorf("job = %+v, want 10 pulses at 20ms", job)
	}

	if _, ok := OnDirectionChange(true, true, 10, 50); ok {
		t.Error("no job without a reversal")
	}
	if _, ok := OnDirectionChange(false, true, 0, 50); ok {
		t.Error("no job with zero steps")
	}
	if _, ok := OnDirectionChange(false, true, 10, 0); ok {
		t.Error("no job with zero rate")
	}
	if _, ok := OnDirectionChange(false, true, 10, math.NaN()); ok {
		t.Error("no job with NaN rate")
	}
}
