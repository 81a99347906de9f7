package stepper

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/encoder"
	"github.com/cjeanneret/ForkGo/internal/hw/gpio"
	"github.com/cjeanneret/ForkGo/internal/hw/timer"
	"github.com/cjeanneret/ForkGo/internal/hw/tmc"
	"github.com/cjeanneret/ForkGo/internal/logic/kinematics"
)

const (
	// stopEpsilon is the speed (steps/s) below which the axis is stopped
	// instead of programmed with a huge period.
	stopEpsilon = 0.05
	// reprogramDeadband: the period is only rewritten when the velocity
	// moved by more than one step per 1000 s.
	reprogramDeadband = 0.001
)

// epoch turns clock durations into the time.Time values the limiter wants.
var epoch = time.Unix(0, 0)

// Config holds the configuration of one axis.
type Config struct {
	Name    string
	StepPin int
	DirPin  int

	MaxSpeed  float64 // steps/s
	MaxAccel  float64 // steps/s²
	GuideRate int64   // steps/s added while guiding
	Inverted  bool
	Disabled  bool

	Currents            kinematics.Currents // mA
	SingleStepThreshold float64             // steps/s, <= 0 never leaves microstep mode

	Backlash     uint32  // pulses
	BacklashRate float64 // pulses/s

	Microsteps     int  // native microsteps per full step (default 32)
	DualEdge       bool // count both STEP edges as pulses
	UpdateInterval time.Duration
	ConnectTimeout time.Duration
	ConfirmRetries int
}

// Hardware is what an axis is bound to at construction. Encoder may be nil.
type Hardware struct {
	GPIO    gpio.Driver
	Driver  tmc.Driver
	Encoder encoder.Encoder
	Queue   *timer.Queue
	Clock   timer.Clock
}

// Stepper controls one axis: it ramps toward the commanded speed, adapts the
// driver resolution and current, and reprograms the step scheduler.
//
// Command and telemetry methods are safe for concurrent use by the
// foreground (console, web, guide port, coordinator loop).
type Stepper struct {
	name    string
	sched   *Scheduler
	driver  tmc.Driver
	clock   timer.Clock
	limiter *rate.Limiter

	mu sync.Mutex

	commanded  float64
	velocity   float64 // last programmed velocity
	rampV0     float64
	rampStart  time.Duration
	lastTarget float64

	maxSpeed float64
	maxAccel float64

	guideRate      int64
	guideDir       int
	guidingEnabled bool
	enabled        bool

	currents       kinematics.Currents
	tier           kinematics.Tier
	tierApplied    bool
	currentApplied float64

	singleStepThreshold float64
	resolution          kinematics.Resolution
	fullStep            kinematics.Resolution
	microsteps          int

	backlash     uint32
	backlashRate float64

	dualEdge       bool
	connectTimeout time.Duration
	retries        int
	driverOK       bool
	fault          error
}

// NewStepper creates an axis controller. The axis is stopped; the driver is
// not touched until Begin.
func NewStepper(hw Hardware, cfg Config) *Stepper {
	if !tmc.ValidMicrosteps(cfg.Microsteps) || cfg.Microsteps == 1 {
		cfg.Microsteps = 32
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 30 * time.Millisecond
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ConfirmRetries <= 0 {
		cfg.ConfirmRetries = 8
	}
	if cfg.MaxAccel <= 0 {
		cfg.MaxAccel = 1000
	}
	if cfg.MaxSpeed < 0 {
		cfg.MaxSpeed = 0
	}

	sched := NewScheduler(SchedulerConfig{
		GPIO:     hw.GPIO,
		StepPin:  cfg.StepPin,
		DirPin:   cfg.DirPin,
		Encoder:  hw.Encoder,
		Queue:    hw.Queue,
		Clock:    hw.Clock,
		DualEdge: cfg.DualEdge,
	})
	if cfg.Inverted {
		sched.SetInverted(true, nil)
	}

	s := &Stepper{
		name:                cfg.Name,
		sched:               sched,
		driver:              hw.Driver,
		clock:               hw.Clock,
		limiter:             rate.NewLimiter(rate.Every(cfg.UpdateInterval), 1),
		maxSpeed:            cfg.MaxSpeed,
		maxAccel:            cfg.MaxAccel,
		guideRate:           cfg.GuideRate,
		guidingEnabled:      true,
		enabled:             !cfg.Disabled,
		currents:            sanitizeCurrents(cfg.Currents),
		singleStepThreshold: cfg.SingleStepThreshold,
		resolution:          kinematics.Microstep,
		fullStep:            kinematics.Resolution(cfg.Microsteps),
		microsteps:          cfg.Microsteps,
		backlash:            cfg.Backlash,
		dualEdge:            cfg.DualEdge,
		connectTimeout:      cfg.ConnectTimeout,
		retries:             cfg.ConfirmRetries,
	}
	if cfg.BacklashRate > 0 {
		s.backlashRate = cfg.BacklashRate
	}
	s.rampStart = hw.Clock.Now()
	return s
}

func sanitizeCurrents(c kinematics.Currents) kinematics.Currents {
	for _, v := range []*float64{&c.Run, &c.Medium, &c.Hold, &c.Threshold} {
		if *v < 0 || math.IsNaN(*v) {
			*v = 0
		}
	}
	return c
}

// Begin brings the driver up: initial registers, a bounded connection test,
// the step edge mode, the native microstep resolution and the hold current.
// On failure the axis is disabled and the error is kept as its fault.
func (s *Stepper) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.beginDriver()
	if err != nil {
		s.fault = fmt.Errorf("%s: %w", s.name, err)
		s.enabled = false
		s.driverOK = false
		debug.Error(s.fault)
		return s.fault
	}

	s.driverOK = true
	s.fault = nil
	s.applyCurrentLocked(true)
	debug.Info("%s: driver ready (microsteps=%d, dual edge=%v)", s.name, s.microsteps, s.dualEdge)
	return nil
}

func (s *Stepper) beginDriver() error {
	if err := s.driver.Begin(); err != nil {
		return fmt.Errorf("driver begin: %w", err)
	}
	if err := tmc.Connect(s.driver, s.connectTimeout); err != nil {
		return err
	}
	if err := s.driver.SetDualEdge(s.dualEdge); err != nil {
		return fmt.Errorf("set dual edge: %w", err)
	}
	if err := tmc.SetMicrostepsConfirmed(s.driver, s.microsteps, s.retries); err != nil {
		return fmt.Errorf("set microsteps %d: %w", s.microsteps, err)
	}
	return nil
}

// Update advances the ramp and reprograms the scheduler. It may be called as
// often as the caller likes; the work itself is throttled to the configured
// update interval.
func (s *Stepper) Update() {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.limiter.AllowN(epoch.Add(now), 1) {
		return
	}

	target := s.targetLocked()
	if target != s.lastTarget {
		s.resetRampLocked(now)
		s.lastTarget = target
	}
	v := kinematics.NextVelocity(s.maxAccel, s.rampV0, now-s.rampStart, target)
	v = kinematics.Clamp(v, s.maxSpeed)
	s.applyVelocityLocked(v)
}

// targetLocked is the ramp target: commanded speed plus the guide offset,
// zero while disabled, clamped to the maximum speed.
func (s *Stepper) targetLocked() float64 {
	if !s.enabled {
		return 0
	}
	target := s.commanded
	if s.guidingEnabled && s.guideDir != 0 {
		target += float64(s.guideDir) * float64(s.guideRate)
	}
	return kinematics.Clamp(target, s.maxSpeed)
}

func (s *Stepper) resetRampLocked(now time.Duration) {
	s.rampV0 = s.velocity
	s.rampStart = now
}

func (s *Stepper) applyVelocityLocked(v float64) {
	if math.Abs(v) < stopEpsilon {
		if s.velocity != 0 {
			debug.Axis(s.name, "stop at position %d", s.sched.Position())
		}
		s.sched.SetPeriod(0)
		s.velocity = 0
		s.applyCurrentLocked(false)
		return
	}

	forward := v > 0
	if was := s.sched.Forward(); was != forward {
		if s.sched.BacklashActive() {
			// reversal waits for the running job
			return
		}
		job, ok := kinematics.OnDirectionChange(was, forward, s.backlash, s.backlashRate)
		if ok {
			debug.Axis(s.name, "reversal: %d backlash pulses at %v", job.Pulses, job.Period)
			s.sched.SetDirection(forward, &job)
		} else {
			s.sched.SetDirection(forward, nil)
		}
	}

	if math.Abs(v-s.velocity) <= reprogramDeadband {
		return
	}

	res := s.applyResolutionLocked(v)
	s.sched.Program(kinematics.PulsePeriod(v, int64(res)), int64(res))
	s.velocity = v
	s.applyCurrentLocked(false)
}

// applyResolutionLocked switches the driver between microstep and full-step
// mode and returns the resolution in effect. A write that cannot be
// confirmed leaves the previous resolution in place.
func (s *Stepper) applyResolutionLocked(v float64) kinematics.Resolution {
	next := kinematics.DecideResolution(s.resolution, v, s.singleStepThreshold, s.fullStep)
	if next == s.resolution || !s.driverOK {
		return s.resolution
	}

	ms := s.microsteps
	if next != kinematics.Microstep {
		ms = 1
	}
	if err := tmc.SetMicrostepsConfirmed(s.driver, ms, s.retries); err != nil {
		debug.Error(fmt.Errorf("%s: resolution %d: %w", s.name, next, err))
		return s.resolution
	}
	debug.Axis(s.name, "resolution %d -> %d at %.1f steps/s", s.resolution, next, v)
	s.resolution = next
	return next
}

// applyCurrentLocked selects the tier for the programmed velocity and writes
// it to the driver when it changed or force is set.
func (s *Stepper) applyCurrentLocked(force bool) {
	tier := kinematics.DecideTier(s.velocity, s.currents.Threshold)
	if !kinematics.NeedsApply(s.tier, tier, s.tierApplied, force) || !s.driverOK {
		return
	}
	mA := s.currents.Value(tier)
	if err := s.driver.SetCurrent(mA); err != nil {
		debug.Error(fmt.Errorf("%s: set %s current: %w", s.name, tier, err))
		return
	}
	debug.Driver(s.name, "%s current %.0f mA", tier, mA)
	s.tier = tier
	s.tierApplied = true
	s.currentApplied = mA
}

// SetSpeed sets the commanded speed and restarts the ramp from the current
// velocity.
func (s *Stepper) SetSpeed(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commanded = v
	s.resetRampLocked(now)
}

func (s *Stepper) SetMaxSpeed(v float64) {
	if !(v >= 0) || math.IsInf(v, 0) {
		return
	}
	s.mu.Lock()
	s.maxSpeed = v
	s.mu.Unlock()
}

// SetMaxAccel ignores non-positive values.
func (s *Stepper) SetMaxAccel(a float64) {
	if !(a > 0) || math.IsInf(a, 0) {
		return
	}
	s.mu.Lock()
	s.maxAccel = a
	s.mu.Unlock()
}

// SetInverted flips the direction pin polarity. A moving axis reverses
// physically, so the backlash job runs as on any reversal.
func (s *Stepper) SetInverted(inverted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.sched.Inverted()
	if was == inverted {
		return
	}
	var job *kinematics.BacklashJob
	if s.velocity != 0 {
		if j, ok := kinematics.OnDirectionChange(was, inverted, s.backlash, s.backlashRate); ok {
			job = &j
		}
	}
	s.sched.SetInverted(inverted, job)
}

// Enable gates the ramp target. A disabled axis ramps to zero and holds.
// An axis whose driver failed to come up stays disabled until Begin succeeds.
func (s *Stepper) Enable(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && s.fault != nil {
		debug.Axis(s.name, "enable ignored: %v", s.fault)
		return
	}
	s.enabled = on
}

func (s *Stepper) SetGuideRate(r int64) {
	s.mu.Lock()
	s.guideRate = r
	s.mu.Unlock()
}

// Guide applies the guide offset in direction dir (-1, 0, +1).
func (s *Stepper) Guide(dir int) {
	switch {
	case dir > 0:
		dir = 1
	case dir < 0:
		dir = -1
	}
	s.mu.Lock()
	s.guideDir = dir
	s.mu.Unlock()
}

// DisableGuiding ignores guide corrections while disable is true.
func (s *Stepper) DisableGuiding(disable bool) {
	s.mu.Lock()
	s.guidingEnabled = !disable
	s.mu.Unlock()
}

func (s *Stepper) SetRunCurrent(mA float64) {
	s.setCurrentParam(&s.currents.Run, mA)
}

func (s *Stepper) SetMedCurrent(mA float64) {
	s.setCurrentParam(&s.currents.Medium, mA)
}

func (s *Stepper) SetMedCurrentThreshold(v float64) {
	s.setCurrentParam(&s.currents.Threshold, v)
}

func (s *Stepper) SetHoldCurrent(mA float64) {
	s.setCurrentParam(&s.currents.Hold, mA)
}

// setCurrentParam stores a non-negative current parameter and forces the
// driver to be rewritten.
func (s *Stepper) setCurrentParam(field *float64, v float64) {
	if !(v >= 0) || math.IsInf(v, 0) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = v
	s.applyCurrentLocked(true)
}

func (s *Stepper) SetBacklash(steps uint32) {
	s.mu.Lock()
	s.backlash = steps
	s.mu.Unlock()
}

// SetBacklashRate sets the backlash pulse rate in pulses/s. Negative values
// are ignored; zero disables compensation.
func (s *Stepper) SetBacklashRate(r float64) {
	if !(r >= 0) || math.IsInf(r, 0) {
		return
	}
	s.mu.Lock()
	s.backlashRate = r
	s.mu.Unlock()
}

func (s *Stepper) SetSingleStepThreshold(v float64) {
	if math.IsNaN(v) {
		return
	}
	s.mu.Lock()
	s.singleStepThreshold = v
	s.mu.Unlock()
}

func (s *Stepper) EnableEncoder(on bool) {
	s.sched.EnableEncoder(on)
}

func (s *Stepper) EncoderEnabled() bool {
	return s.sched.EncoderEnabled()
}

// Name returns the axis name ("ra", "dec").
func (s *Stepper) Name() string {
	return s.name
}

// Speed returns the last programmed velocity.
func (s *Stepper) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

// Position is the step count at native microstep resolution.
func (s *Stepper) Position() int64 {
	return s.sched.Position()
}

func (s *Stepper) Encoder() EncoderSnapshot {
	return s.sched.Encoder()
}

func (s *Stepper) MaxSpeed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSpeed
}

func (s *Stepper) MaxAccel() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxAccel
}

func (s *Stepper) GuideRate() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.guideRate
}

func (s *Stepper) GuidingDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.guidingEnabled
}

func (s *Stepper) Inverted() bool {
	return s.sched.Inverted()
}

func (s *Stepper) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

func (s *Stepper) Currents() kinematics.Currents {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currents
}

// CurrentApplied returns the current (mA) last written to the driver.
func (s *Stepper) CurrentApplied() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentApplied
}

func (s *Stepper) Backlash() (steps uint32, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlash, s.backlashRate
}

// BacklashActive reports whether a backlash job is being emitted.
func (s *Stepper) BacklashActive() bool {
	return s.sched.BacklashActive()
}

func (s *Stepper) SingleStepThreshold() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.singleStepThreshold
}

// Fault returns the error that disabled the axis during Begin, if any.
func (s *Stepper) Fault() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}
