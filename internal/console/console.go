// Package console implements the line-oriented command console of the mount.
// Every command maps 1:1 onto the axis command and telemetry API.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
	"github.com/cjeanneret/ForkGo/internal/logic/motion"
)

const prompt = "$ "

var (
	// ErrUnknownVariable is returned by SetVar for a name it does not know.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrInvalidValue is returned by SetVar when the value does not parse.
	ErrInvalidValue = errors.New("invalid value")
)

// setter applies a parsed value to one axis.
type setter func(ax *stepper.Stepper, v float64)

var setters = map[string]setter{
	"max_tps":    func(ax *stepper.Stepper, v float64) { ax.SetMaxSpeed(v) },
	"guide_rate": func(ax *stepper.Stepper, v float64) { ax.SetGuideRate(int64(v)) },
	"direction":  func(ax *stepper.Stepper, v float64) { ax.SetInverted(int(v) == -1) },
	"disable":    func(ax *stepper.Stepper, v float64) { ax.Enable(int(v) == 0) },
	"accel_tpss": func(ax *stepper.Stepper, v float64) { ax.SetMaxAccel(v) },

	"run_current":           func(ax *stepper.Stepper, v float64) { ax.SetRunCurrent(v) },
	"med_current":           func(ax *stepper.Stepper, v float64) { ax.SetMedCurrent(v) },
	"med_current_threshold": func(ax *stepper.Stepper, v float64) { ax.SetMedCurrentThreshold(v) },
	"hold_current":          func(ax *stepper.Stepper, v float64) { ax.SetHoldCurrent(v) },
	"single_step_threshold": func(ax *stepper.Stepper, v float64) { ax.SetSingleStepThreshold(v) },
	"backlash_speed":        func(ax *stepper.Stepper, v float64) { ax.SetBacklashRate(v) },
	"backlash": func(ax *stepper.Stepper, v float64) {
		if v >= 0 {
			ax.SetBacklash(uint32(v))
		}
	},
	"encoder": func(ax *stepper.Stepper, v float64) { ax.EnableEncoder(int(v) != 0) },
}

// Console executes commands against a motion controller.
type Console struct {
	ctrl *motion.Controller
	mu   sync.Mutex // serializes command execution
}

func New(ctrl *motion.Controller) *Console {
	return &Console{ctrl: ctrl}
}

// Variables returns the names accepted by set_var, sorted.
func Variables() []string {
	var names []string
	for _, axis := range []string{"ra", "dec"} {
		for name := range setters {
			names = append(names, axis+"_"+name)
		}
	}
	sort.Strings(names)
	return names
}

// SetVar sets an axis variable such as "ra_max_tps". Invalid input leaves
// every axis unchanged.
func (c *Console) SetVar(name, value string) error {
	axisName, key, ok := strings.Cut(name, "_")
	ax := c.ctrl.Axis(axisName)
	set, known := setters[key]
	if !ok || ax == nil || !known {
		return fmt.Errorf("%w '%s'", ErrUnknownVariable, name)
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("%w '%s' for %s", ErrInvalidValue, value, name)
	}
	set(ax, v)
	debug.Live("console: %s=%s", name, value)
	return nil
}

// Serve reads commands line by line from rw and writes replies back until
// ctx is done or the reader reaches EOF.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(rw)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	io.WriteString(rw, prompt)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case line := <-lines:
			c.Exec(line, rw)
		}
	}
}

// Exec runs one command line and writes its reply, followed by the prompt,
// to w. Blank lines only print the prompt.
func (c *Console) Exec(line string, w io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	args := strings.Fields(line)
	if len(args) > 0 {
		c.dispatch(args[0], args[1:], w)
	}
	io.WriteString(w, prompt)
}

func (c *Console) dispatch(cmd string, args []string, w io.Writer) {
	switch cmd {
	case "set_var":
		if len(args) < 1 {
			errorLine(w, "Missing [variable_name] argument.")
			return
		}
		if len(args) < 2 {
			errorLine(w, "Missing [value] argument.")
			return
		}
		if err := c.SetVar(args[0], args[1]); err != nil {
			errorLine(w, capitalize(err.Error()))
		}
	case "ra_set_speed", "dec_set_speed":
		axisName := strings.TrimSuffix(cmd, "_set_speed")
		if len(args) < 1 {
			errorLine(w, "Missing [value] argument.")
			return
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			errorLine(w, fmt.Sprintf("Invalid value '%s'.", args[0]))
			return
		}
		ax := c.ctrl.Axis(axisName)
		ax.SetSpeed(v)
		line(w, axisName+"_speed:", ax.Speed())
	case "autoguide_enable":
		c.ctrl.SetGuiding(true)
	case "autoguide_disable":
		c.ctrl.SetGuiding(false)
	case "status":
		c.status(w)
	case "qs":
		c.quickStatus(w)
	default:
		help(w)
	}
}

// quickStatus prints the compact speed/position/encoder report.
func (c *Console) quickStatus(w io.Writer) {
	ra, dec := c.ctrl.RA(), c.ctrl.DEC()
	raEnc, decEnc := ra.Encoder(), dec.Encoder()
	line(w, "rs:", ra.Speed())
	line(w, "ds:", dec.Speed())
	line(w, "rp:", ra.Position())
	line(w, "dp:", dec.Position())
	line(w, "re:", raEnc.Value)
	line(w, "de:", decEnc.Value)
	line(w, "ri:", raEnc.TicksSinceChange)
	line(w, "di:", decEnc.TicksSinceChange)
	line(w, "rl:", raEnc.PrevTicksInPulse)
	line(w, "dl:", decEnc.PrevTicksInPulse)
}

// status prints every variable as key=value, then live telemetry as
// key:value.
func (c *Console) status(w io.Writer) {
	st := c.ctrl.Status()
	for _, ax := range []stepper.Status{st.RA, st.DEC} {
		p := ax.Name + "_"
		direction := 1
		if ax.Inverted {
			direction = -1
		}
		line(w, p+"max_tps=", ax.MaxSpeed)
		line(w, p+"guide_rate=", ax.GuideRate)
		line(w, p+"direction=", direction)
		line(w, p+"disable=", boolInt(!ax.Enabled))
		line(w, p+"accel_tpss=", ax.MaxAccel)
		line(w, p+"run_current=", ax.RunCurrent)
		line(w, p+"med_current=", ax.MedCurrent)
		line(w, p+"med_current_threshold=", ax.MedCurrentThreshold)
		line(w, p+"hold_current=", ax.HoldCurrent)
		line(w, p+"backlash=", ax.Backlash)
		line(w, p+"backlash_speed=", ax.BacklashRate)
		line(w, p+"single_step_threshold=", ax.SingleStepThreshold)
		line(w, p+"encoder=", boolInt(ax.EncoderEnabled))
	}
	line(w, "debug:", debug.Level())
	line(w, "autoguide:", boolInt(!st.RA.GuidingDisabled))
	for _, ax := range []stepper.Status{st.RA, st.DEC} {
		p := ax.Name + "_"
		line(w, p+"speed:", ax.Speed)
		line(w, p+"tpe:", ax.Encoder.PrevTicksInPulse)
		line(w, p+"pos:", ax.Position)
		line(w, p+"enc:", ax.Encoder.Value)
		line(w, p+"tip:", ax.Encoder.TicksSinceChange)
		line(w, p+"current:", ax.CurrentApplied)
		line(w, p+"resolution:", ax.Resolution)
		if ax.Fault != "" {
			line(w, p+"fault:", ax.Fault)
		}
	}
}

func help(w io.Writer) {
	io.WriteString(w, "Commands:\r\n"+
		"  set_var [variable_name] [value] Sets variable\r\n"+
		"  ra_set_speed [tps]           Sets RA speed in ticks/s\r\n"+
		"  dec_set_speed [tps]          Sets DEC speed in ticks/s\r\n"+
		"  autoguide_disable            Disables autoguiding port input\r\n"+
		"  autoguide_enable             Enables autoguiding port input\r\n"+
		"  status                       Shows status/variable info\r\n"+
		"  qs                           Shows speed/position info\r\n"+
		"  help                         This help info\r\n")
}

func line(w io.Writer, key string, v any) {
	switch x := v.(type) {
	case float64:
		fmt.Fprintf(w, "%s%.2f\r\n", key, x)
	default:
		fmt.Fprintf(w, "%s%v\r\n", key, x)
	}
}

func errorLine(w io.Writer, msg string) {
	fmt.Fprintf(w, "ERROR: %s\r\n", msg)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
