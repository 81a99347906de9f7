package stepper

import (
	"time"

	"github.com/cjeanneret/ForkGo/internal/hw/encoder"
	"github.com/cjeanneret/ForkGo/internal/hw/gpio"
	"github.com/cjeanneret/ForkGo/internal/hw/irq"
	"github.com/cjeanneret/ForkGo/internal/hw/timer"
	"github.com/cjeanneret/ForkGo/internal/logic/kinematics"
)

// backlashState is the job in progress. progress counts completed pulses.
type backlashState struct {
	active   bool
	steps    uint32
	progress uint32
	period   time.Duration
}

// shared is every field touched by both the foreground and the pulse
// context. It is only accessed between lock.Disable and lock.Restore.
type shared struct {
	period     time.Duration // velocity-driven pulse period, 0 = stopped
	forward    bool
	inverted   bool
	resolution int64
	position   int64
	stepHigh   bool
	running    bool          // timer armed
	lastEdge   time.Duration // time of the last edge, or of arming
	backlash   backlashState
	monitor    EncoderMonitor
}

// SchedulerConfig binds a scheduler to its pins, encoder and time base.
type SchedulerConfig struct {
	GPIO     gpio.Driver
	StepPin  int
	DirPin   int
	Encoder  encoder.Encoder // nil: no encoder fitted
	Queue    *timer.Queue
	Clock    timer.Clock
	DualEdge bool
}

// Scheduler is the foreground handle on an axis' step generator. All of its
// methods may be called from the foreground; none of them is called from the
// timer. The timer only sees the pulseContext view of the same value.
type Scheduler struct {
	lock irq.Lock
	sh   shared

	gpio     gpio.Driver
	stepPin  int
	dirPin   int
	queue    *timer.Queue
	clock    timer.Clock
	dualEdge bool
	timer    timer.Timer
}

// pulseContext is the scheduler-context view of a Scheduler. Its only entry
// point is Fire, invoked by the timer queue.
type pulseContext Scheduler

// NewScheduler creates a stopped scheduler in the forward direction at
// microstep resolution and drives both pins low.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		gpio:     cfg.GPIO,
		stepPin:  cfg.StepPin,
		dirPin:   cfg.DirPin,
		queue:    cfg.Queue,
		clock:    cfg.Clock,
		dualEdge: cfg.DualEdge,
	}
	s.sh.forward = true
	s.sh.resolution = 1
	s.sh.monitor.enc = cfg.Encoder
	s.sh.monitor.enabled = cfg.Encoder != nil
	if cfg.Encoder != nil {
		s.sh.monitor.last = cfg.Encoder.Read()
	}
	s.timer.Owner = (*pulseContext)(s)

	_ = s.gpio.SetupPin(s.stepPin, gpio.Output)
	_ = s.gpio.SetupPin(s.dirPin, gpio.Output)
	_ = s.gpio.WritePin(s.stepPin, gpio.Low)
	_ = s.gpio.WritePin(s.dirPin, s.dirLevel())
	return s
}

// SetPeriod programs the velocity-driven pulse period. Zero stops emission;
// position is kept. While a backlash job runs the new period is stored but
// the job keeps its own rate. A shorter period pulls the pending edge in to
// one new period after the last edge.
func (s *Scheduler) SetPeriod(p time.Duration) {
	state := s.lock.Disable()
	s.sh.period = p
	start := s.armLocked()
	s.lock.Restore(state)
	s.start(start)
}

// Program sets the pulse period and the resolution applied to the following
// pulses in one critical section.
func (s *Scheduler) Program(p time.Duration, resolution int64) {
	state := s.lock.Disable()
	s.sh.period = p
	s.sh.resolution = resolution
	start := s.armLocked()
	s.lock.Restore(state)
	s.start(start)
}

// SetDirection changes the travel direction and rewrites the direction pin.
// A non-nil job is started in the new direction before velocity-driven
// stepping resumes.
func (s *Scheduler) SetDirection(forward bool, job *kinematics.BacklashJob) {
	state := s.lock.Disable()
	s.sh.forward = forward
	_ = s.gpio.WritePin(s.dirPin, s.dirLevel())
	if job != nil {
		s.sh.backlash = backlashState{active: true, steps: job.Pulses, period: job.Period}
	}
	start := s.armLocked()
	s.lock.Restore(state)
	s.start(start)
}

// SetInverted flips the direction pin polarity and rewrites the pin. The
// physical reversal can start a backlash job like any other reversal.
func (s *Scheduler) SetInverted(inverted bool, job *kinematics.BacklashJob) {
	state := s.lock.Disable()
	s.sh.inverted = inverted
	_ = s.gpio.WritePin(s.dirPin, s.dirLevel())
	if job != nil && !s.sh.backlash.active {
		s.sh.backlash = backlashState{active: true, steps: job.Pulses, period: job.Period}
	}
	start := s.armLocked()
	s.lock.Restore(state)
	s.start(start)
}

// EnableEncoder turns slip monitoring on or off. It is a no-op without an
// encoder.
func (s *Scheduler) EnableEncoder(on bool) {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	if s.sh.monitor.enc == nil {
		return
	}
	if on && !s.sh.monitor.enabled {
		s.sh.monitor.last = s.sh.monitor.enc.Read()
		s.sh.monitor.since = 0
	}
	s.sh.monitor.enabled = on
}

func (s *Scheduler) EncoderEnabled() bool {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.monitor.enabled
}

func (s *Scheduler) Position() int64 {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.position
}

// Encoder returns the encoder counters as one consistent snapshot.
func (s *Scheduler) Encoder() EncoderSnapshot {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.monitor.snapshot()
}

func (s *Scheduler) Forward() bool {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.forward
}

func (s *Scheduler) Inverted() bool {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.inverted
}

func (s *Scheduler) BacklashActive() bool {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.backlash.active
}

// Period returns the programmed velocity-driven period (0 when stopped).
func (s *Scheduler) Period() time.Duration {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.period
}

// Running reports whether the pulse timer is armed.
func (s *Scheduler) Running() bool {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.running
}

func (s *Scheduler) Resolution() int64 {
	state := s.lock.Disable()
	defer s.lock.Restore(state)
	return s.sh.resolution
}

// dirLevel is the physical direction: forward XOR inverted. Lock held.
func (s *Scheduler) dirLevel() gpio.Level {
	return gpio.Level(s.sh.forward != s.sh.inverted)
}

// armLocked marks the timer running if there is something to emit and it is
// not already armed. The caller schedules it after releasing the lock. An
// armed timer is retimed instead.
func (s *Scheduler) armLocked() bool {
	if s.sh.running {
		s.retimeLocked()
		return false
	}
	p := (*pulseContext)(s).effectivePeriod()
	if p == 0 {
		return false
	}
	now := s.clock.Now()
	s.sh.running = true
	s.sh.lastEdge = now
	s.timer.WakeTime = now + p
	return true
}

// retimeLocked moves the pending edge earlier when the effective period got
// shorter, never before now. A timer taken by the dispatcher is left alone:
// its Fire already uses the new period.
func (s *Scheduler) retimeLocked() {
	p := (*pulseContext)(s).effectivePeriod()
	if p == 0 {
		return
	}
	wake := s.sh.lastEdge + p
	if wake >= s.timer.WakeTime {
		return
	}
	if now := s.clock.Now(); wake < now {
		wake = now
	}
	s.queue.Retime(&s.timer, wake)
}

func (s *Scheduler) start(armed bool) {
	if armed {
		s.queue.Schedule(&s.timer)
	}
}

// Fire emits one edge on the step pin. It does a bounded amount of work and
// never blocks: one pin write, one position update, one encoder comparison
// and at most one backlash progress increment.
func (p *pulseContext) Fire(t *timer.Timer) timer.Result {
	state := p.lock.Disable()
	defer p.lock.Restore(state)

	if p.effectivePeriod() == 0 {
		p.sh.running = false
		return timer.Done
	}

	p.sh.stepHigh = !p.sh.stepHigh
	_ = p.gpio.WritePin(p.stepPin, gpio.Level(p.sh.stepHigh))
	if p.dualEdge || p.sh.stepHigh {
		p.completePulse()
	}
	p.sh.lastEdge = t.WakeTime

	// The pulse may have ended a backlash job.
	interval := p.effectivePeriod()
	if interval == 0 {
		p.sh.running = false
		return timer.Done
	}
	t.WakeTime += interval
	return timer.Reschedule
}

// effectivePeriod is the time to the next edge. The backlash rate takes
// priority over the velocity period. In single-edge mode a pulse is two
// edges.
func (p *pulseContext) effectivePeriod() time.Duration {
	period := p.sh.period
	if p.sh.backlash.active {
		period = p.sh.backlash.period
	}
	if !p.dualEdge {
		period /= 2
	}
	return period
}

func (p *pulseContext) completePulse() {
	if p.sh.forward {
		p.sh.position += p.sh.resolution
	} else {
		p.sh.position -= p.sh.resolution
	}
	p.sh.monitor.onPulse(p.sh.forward, p.sh.resolution)

	if p.sh.backlash.active {
		p.sh.backlash.progress++
		if p.sh.backlash.progress == p.sh.backlash.steps {
			p.sh.backlash = backlashState{}
			p.sh.monitor.resync()
		}
	}
}
