package motion

import (
	"context"
	"errors"
	"time"

	"github.com/cjeanneret/ForkGo/internal/config"
	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
	"github.com/cjeanneret/ForkGo/internal/logic/kinematics"
)

// Poller is run once per foreground tick before the axes are updated.
type Poller interface {
	Poll()
}

// Bindings is the hardware each axis is bound to.
type Bindings struct {
	RA  stepper.Hardware
	DEC stepper.Hardware
}

// Status is the telemetry of both axes.
type Status struct {
	RA  stepper.Status `json:"ra"`
	DEC stepper.Status `json:"dec"`
}

// Controller owns the RA and DEC axes and drives their foreground updates.
// The axes share nothing but the tick; neither ever waits on the other.
type Controller struct {
	ra      *stepper.Stepper
	dec     *stepper.Stepper
	pollers []Poller
}

func NewController(ra, dec *stepper.Stepper) *Controller {
	return &Controller{
		ra:  ra,
		dec: dec,
	}
}

// New builds both axes from the shared configuration.
func New(cfg *config.Config, b Bindings) *Controller {
	return NewController(
		stepper.NewStepper(b.RA, AxisStepperConfig("ra", cfg.RA, cfg)),
		stepper.NewStepper(b.DEC, AxisStepperConfig("dec", cfg.DEC, cfg)),
	)
}

// AxisStepperConfig converts the YAML shape of an axis into a stepper.Config.
func AxisStepperConfig(name string, a config.AxisConfig, cfg *config.Config) stepper.Config {
	return stepper.Config{
		Name:      name,
		StepPin:   a.StepPin,
		DirPin:    a.DirPin,
		MaxSpeed:  a.MaxTPS,
		MaxAccel:  a.AccelTPSS,
		GuideRate: a.GuideRate,
		Inverted:  a.Inverted(),
		Disabled:  a.Disable,
		Currents: kinematics.Currents{
			Run:       a.RunCurrent,
			Medium:    a.MedCurrent,
			Hold:      a.HoldCurrent,
			Threshold: a.MedCurrentThreshold,
		},
		SingleStepThreshold: a.SingleStepThreshold,
		Backlash:            a.Backlash,
		BacklashRate:        a.BacklashSpeed,
		Microsteps:          cfg.Defaults.Microsteps,
		DualEdge:            cfg.DualEdge(),
		UpdateInterval:      cfg.UpdateInterval(),
		ConnectTimeout:      cfg.ConnectTimeout(),
		ConfirmRetries:      cfg.Defaults.ConfirmRetries,
	}
}

func (c *Controller) RA() *stepper.Stepper {
	return c.ra
}

func (c *Controller) DEC() *stepper.Stepper {
	return c.dec
}

// Axis returns the axis called name ("ra" or "dec"), or nil.
func (c *Controller) Axis(name string) *stepper.Stepper {
	switch name {
	case "ra":
		return c.ra
	case "dec":
		return c.dec
	}
	return nil
}

// AddPoller registers p to run on every tick. Not safe once Run started.
func (c *Controller) AddPoller(p Poller) {
	c.pollers = append(c.pollers, p)
}

// Begin brings up both drivers. An axis whose driver fails stays disabled;
// the other one is still usable.
func (c *Controller) Begin() error {
	debug.Section("Driver bring-up")
	return errors.Join(c.ra.Begin(), c.dec.Begin())
}

// Update runs one foreground tick: RA then DEC.
func (c *Controller) Update() {
	for _, p := range c.pollers {
		p.Poll()
	}
	c.ra.Update()
	c.dec.Update()
}

// SetGuiding enables or disables autoguider corrections on both axes.
func (c *Controller) SetGuiding(enabled bool) {
	c.ra.DisableGuiding(!enabled)
	c.dec.DisableGuiding(!enabled)
	debug.Info("autoguiding enabled=%v", enabled)
}

// Stop commands both axes to zero speed.
func (c *Controller) Stop() {
	c.ra.SetSpeed(0)
	c.dec.SetSpeed(0)
}

// Run calls Update every tick until ctx is done.
func (c *Controller) Run(ctx context.Context, tick time.Duration) error {
	if tick <= 0 {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Update()
		}
	}
}

func (c *Controller) Status() Status {
	return Status{
		RA:  c.ra.Status(),
		DEC: c.dec.Status(),
	}
}
