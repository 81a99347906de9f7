package console

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/cjeanneret/ForkGo/internal/config"
	"github.com/cjeanneret/ForkGo/internal/hw/encoder"
	"github.com/cjeanneret/ForkGo/internal/hw/gpio"
	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
	"github.com/cjeanneret/ForkGo/internal/hw/timer"
	"github.com/cjeanneret/ForkGo/internal/hw/tmc"
	"github.com/cjeanneret/ForkGo/internal/logic/motion"
)

func newTestConsole(t *testing.T) (*Console, *motion.Controller) {
	t.Helper()
	clock := &timer.ManualClock{}
	queue := timer.NewQueue()
	pins := gpio.NewMockDriver()
	hw := func(name string) stepper.Hardware {
		return stepper.Hardware{
			GPIO:    pins,
			Driver:  tmc.NewTMC5160(tmc.NewSimChip(), tmc.TMC5160Config{Name: name}),
			Encoder: &encoder.Counter{},
			Queue:   queue,
			Clock:   clock,
		}
	}
	on := true
	cfg := &config.Config{
		RA:  config.AxisConfig{StepPin: 17, DirPin: 27, MaxTPS: 20000, AccelTPSS: 5000, GuideRate: 20, Direction: 1, HoldCurrent: 200},
		DEC: config.AxisConfig{StepPin: 22, DirPin: 23, MaxTPS: 10000, AccelTPSS: 5000, GuideRate: 20, Direction: 1, HoldCurrent: 200},
		Defaults: config.DefaultsConfig{
			Microsteps:             32,
			DualEdge:               &on,
			UpdateIntervalMs:       30,
			DriverConnectTimeoutMs: 100,
			ConfirmRetries:         4,
		},
	}
	ctrl := motion.New(cfg, motion.Bindings{RA: hw("ra"), DEC: hw("dec")})
	if err := ctrl.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return New(ctrl), ctrl
}

func exec(c *Console, line string) string {
	var buf bytes.Buffer
	c.Exec(line, &buf)
	return buf.String()
}

func TestExec_SetVar(t *testing.T) {
	c, ctrl := newTestConsole(t)

	cases := []struct {
		line  string
		check func() bool
	}{
		{"set_var ra_max_tps 1234", func() bool { return ctrl.RA().MaxSpeed() == 1234 }},
		{"set_var dec_guide_rate 7", func() bool { return ctrl.DEC().GuideRate() == 7 }},
		{"set_var ra_direction -1", func() bool { return ctrl.RA().Inverted() }},
		{"set_var dec_disable 1", func() bool { return !ctrl.DEC().Enabled() }},
		{"set_var ra_accel_tpss 2500", func() bool { return ctrl.RA().MaxAccel() == 2500 }},
		{"set_var ra_run_current 900", func() bool { return ctrl.RA().Currents().Run == 900 }},
		{"set_var dec_med_current_threshold 150", func() bool { return ctrl.DEC().Currents().Threshold == 150 }},
		{"set_var ra_backlash 64", func() bool { n, _ := ctrl.RA().Backlash(); return n == 64 }},
		{"set_var ra_backlash_speed 800", func() bool { _, r := ctrl.RA().Backlash(); return r == 800 }},
		{"set_var dec_single_step_threshold 5000", func() bool { return ctrl.DEC().SingleStepThreshold() == 5000 }},
		{"set_var ra_encoder 0", func() bool { return !ctrl.RA().EncoderEnabled() }},
	}
	for _, tc := range cases {
		t.Run(tc.line, func(t *testing.T) {
			out := exec(c, tc.line)
			if out != prompt {
				t.Errorf("output = %q, want only the prompt", out)
			}
			if !tc.check() {
				t.Errorf("%q did not take effect", tc.line)
			}
		})
	}
}

func TestExec_SetVarErrors(t *testing.T) {
	c, ctrl := newTestConsole(t)

	cases := []struct {
		line string
		want string
	}{
		{"set_var", "ERROR: Missing [variable_name] argument."},
		{"set_var ra_max_tps", "ERROR: Missing [value] argument."},
		{"set_var foo_bar 1", "ERROR: Unknown variable 'foo_bar'."},
		{"set_var az_max_tps 1", "ERROR: Unknown variable 'az_max_tps'."},
		{"set_var ra_max_tps fast", "ERROR: Invalid value 'fast' for ra_max_tps."},
	}
	for _, tc := range cases {
		out := exec(c, tc.line)
		if !strings.HasPrefix(out, tc.want+"\r\n") || !strings.HasSuffix(out, prompt) {
			t.Errorf("%q: output = %q, want %q", tc.line, out, tc.want)
		}
	}
	if v := ctrl.RA().MaxSpeed(); v != 20000 {
		t.Errorf("ra max speed changed to %v by invalid input", v)
	}
}

func TestSetVar_Sentinels(t *testing.T) {
	c, _ := newTestConsole(t)
	if err := c.SetVar("ra_warp", "1"); !errors.Is(err, ErrUnknownVariable) {
		t.Errorf("SetVar unknown = %v, want ErrUnknownVariable", err)
	}
	if err := c.SetVar("ra_max_tps", "x"); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("SetVar bad value = %v, want ErrInvalidValue", err)
	}
}

func TestExec_SetSpeed(t *testing.T) {
	c, ctrl := newTestConsole(t)

	out := exec(c, "ra_set_speed 150.5")
	if !strings.HasPrefix(out, "ra_speed:0.00\r\n") {
		t.Errorf("output = %q", out)
	}
	if got := ctrl.RA().Status().CommandedSpeed; got != 150.5 {
		t.Errorf("commanded = %v, want 150.5", got)
	}

	out = exec(c, "dec_set_speed")
	if !strings.HasPrefix(out, "ERROR: Missing [value] argument.") {
		t.Errorf("output = %q", out)
	}
	out = exec(c, "dec_set_speed abc")
	if !strings.HasPrefix(out, "ERROR: Invalid value 'abc'.") {
		t.Errorf("output = %q", out)
	}
	if got := ctrl.DEC().Status().CommandedSpeed; got != 0 {
		t.Errorf("dec commanded = %v after invalid input", got)
	}
}

func TestExec_Autoguide(t *testing.T) {
	c, ctrl := newTestConsole(t)

	exec(c, "autoguide_disable")
	if !ctrl.RA().GuidingDisabled() || !ctrl.DEC().GuidingDisabled() {
		t.Error("autoguide_disable did not disable both axes")
	}
	if !strings.Contains(exec(c, "status"), "autoguide:0\r\n") {
		t.Error("status should report autoguide:0")
	}
	exec(c, "autoguide_enable")
	if ctrl.RA().GuidingDisabled() || ctrl.DEC().GuidingDisabled() {
		t.Error("autoguide_enable did not enable both axes")
	}
}

func TestExec_QuickStatus(t *testing.T) {
	c, _ := newTestConsole(t)
	out := exec(c, "qs")

	lines := strings.Split(strings.TrimSuffix(out, prompt), "\r\n")
	keys := []string{"rs", "ds", "rp", "dp", "re", "de", "ri", "di", "rl", "dl"}
	if len(lines) != len(keys)+1 {
		t.Fatalf("qs printed %d lines: %q", len(lines), out)
	}
	for i, k := range keys {
		if !strings.HasPrefix(lines[i], k+":") {
			t.Errorf("line %d = %q, want key %s", i, lines[i], k)
		}
	}
}

func TestExec_Status(t *testing.T) {
	c, _ := newTestConsole(t)
	exec(c, "set_var dec_direction -1")
	out := exec(c, "status")

	for _, want := range []string{
		"ra_max_tps=20000.00\r\n",
		"dec_max_tps=10000.00\r\n",
		"ra_direction=1\r\n",
		"dec_direction=-1\r\n",
		"ra_disable=0\r\n",
		"ra_guide_rate=20\r\n",
		"autoguide:1\r\n",
		"ra_pos:0\r\n",
		"dec_enc:0\r\n",
		"ra_current:200.00\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("status missing %q", want)
		}
	}
}

func TestExec_HelpAndBlank(t *testing.T) {
	c, _ := newTestConsole(t)
	if out := exec(c, "frobnicate"); !strings.HasPrefix(out, "Commands:") {
		t.Errorf("unknown command output = %q, want help", out)
	}
	if out := exec(c, "help"); !strings.Contains(out, "set_var [variable_name] [value]") {
		t.Errorf("help output = %q", out)
	}
	if out := exec(c, "   "); out != prompt {
		t.Errorf("blank line output = %q, want prompt", out)
	}
}

func TestServe_ReadsUntilEOF(t *testing.T) {
	c, ctrl := newTestConsole(t)
	var out bytes.Buffer
	rw := struct {
		io.Reader
		io.Writer
	}{strings.NewReader("set_var ra_max_tps 42\nqs\n"), &out}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Serve(ctx, rw); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if ctrl.RA().MaxSpeed() != 42 {
		t.Errorf("max speed = %v, want 42", ctrl.RA().MaxSpeed())
	}
	if got := strings.Count(out.String(), prompt); got != 3 {
		t.Errorf("prompt printed %d times, want 3: %q", got, out.String())
	}
}

func TestVariables(t *testing.T) {
	names := Variables()
	if len(names) != 2*len(setters) {
		t.Fatalf("%d variables, want %d", len(names), 2*len(setters))
	}
	found := false
	for _, n := range names {
		if n == "dec_backlash_speed" {
			found = true
		}
	}
	if !found {
		t.Error("dec_backlash_speed missing")
	}
}
