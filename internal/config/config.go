package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes bounds the size of a config file.
const MaxConfigFileBytes = 64 * 1024

// ErrInvalidPath is returned by ValidateConfigPath.
var ErrInvalidPath = errors.New("invalid config path")

// EncoderConfig locates the quadrature encoder lines of an axis.
// ALine == BLine means no encoder is fitted.
type EncoderConfig struct {
	Chip  string `yaml:"chip"`   // e.g., "gpiochip0"
	ALine int    `yaml:"a_line"` // line offset of channel A
	BLine int    `yaml:"b_line"` // line offset of channel B
}

// DriverConfig describes how to reach the TMC5160 of an axis.
type DriverConfig struct {
	SPIBus        int     `yaml:"spi_bus"`
	ChipSelect    int     `yaml:"chip_select"`
	SPISpeedHz    int     `yaml:"spi_speed_hz"`
	SenseResistor float64 `yaml:"sense_resistor"` // ohms
}

// AxisConfig holds the configuration of one mount axis. Speeds are in
// native microsteps per second, currents in mA.
type AxisConfig struct {
	StepPin int           `yaml:"step_pin"`
	DirPin  int           `yaml:"dir_pin"`
	Encoder EncoderConfig `yaml:"encoder"`
	Driver  DriverConfig  `yaml:"driver"`

	MaxTPS    float64 `yaml:"max_tps"`
	AccelTPSS float64 `yaml:"accel_tpss"`
	GuideRate int64   `yaml:"guide_rate"`
	Direction int     `yaml:"direction"` // 1 normal, -1 inverted
	Disable   bool    `yaml:"disable"`

	RunCurrent          float64 `yaml:"run_current"`
	MedCurrent          float64 `yaml:"med_current"`
	MedCurrentThreshold float64 `yaml:"med_current_threshold"` // steps/s
	HoldCurrent         float64 `yaml:"hold_current"`
	SingleStepThreshold float64 `yaml:"single_step_threshold"` // steps/s, <= 0 disables full-step mode

	Backlash      uint32  `yaml:"backlash"`       // pulses
	BacklashSpeed float64 `yaml:"backlash_speed"` // pulses/s
}

// Inverted reports whether the direction pin polarity is flipped.
func (a AxisConfig) Inverted() bool {
	return a.Direction < 0
}

// HasEncoder reports whether an encoder is wired to the axis.
func (a AxisConfig) HasEncoder() bool {
	return a.Encoder.ALine != a.Encoder.BLine
}

// GuidePortConfig maps the ST-4 autoguider inputs (active low).
type GuidePortConfig struct {
	Enabled     bool `yaml:"enabled"`
	RAPlusPin   int  `yaml:"ra_plus_pin"`
	RAMinusPin  int  `yaml:"ra_minus_pin"`
	DECPlusPin  int  `yaml:"dec_plus_pin"`
	DECMinusPin int  `yaml:"dec_minus_pin"`
}

// ConsoleConfig selects the serial port of the command console.
// An empty Port disables it.
type ConsoleConfig struct {
	Port string `yaml:"port"`
	Baud int    `yaml:"baud"`
}

// WebConfig configures the HTTP status server. An empty Addr disables it.
type WebConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	Microsteps             int   `yaml:"microsteps"`                // native microsteps per full step
	DualEdge               *bool `yaml:"dual_edge"`                 // step on both STEP edges (default: true)
	UpdateIntervalMs       int   `yaml:"update_interval_ms"`        // ramp update throttle
	TickIntervalMs         int   `yaml:"tick_interval_ms"`          // foreground loop period
	DriverConnectTimeoutMs int   `yaml:"driver_connect_timeout_ms"` // bound on driver bring-up
	ConfirmRetries         int   `yaml:"confirm_retries"`           // register write read-back attempts
	DebugLevel             int   `yaml:"debug_level"`               // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockHardware           bool  `yaml:"mock_hardware"`             // simulate GPIO, drivers and encoders (true=dev/test)
}

// Config aggregates all application configuration.
type Config struct {
	RA        AxisConfig      `yaml:"ra"`
	DEC       AxisConfig      `yaml:"dec"`
	GuidePort GuidePortConfig `yaml:"guide_port"`
	Console   ConsoleConfig   `yaml:"console"`
	Web       WebConfig       `yaml:"web"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath checks that path names a .yaml file directly inside a
// directory called "configs", without traversal.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("%w: %q contains a parent reference", ErrInvalidPath, path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("%w: %q must have a .yaml extension", ErrInvalidPath, path)
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("%w: %q must be inside a configs/ directory", ErrInvalidPath, path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file larger than %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := validateAxis("ra", &cfg.RA); err != nil {
		return nil, err
	}
	if err := validateAxis("dec", &cfg.DEC); err != nil {
		return nil, err
	}
	if cfg.RA.StepPin == cfg.DEC.StepPin {
		return nil, fmt.Errorf("ra and dec share step pin %d", cfg.RA.StepPin)
	}

	if cfg.Defaults.Microsteps == 0 {
		cfg.Defaults.Microsteps = 32
	}
	switch cfg.Defaults.Microsteps {
	case 2, 4, 8, 16, 32, 64, 128, 256:
	default:
		return nil, fmt.Errorf("defaults.microsteps must be a power of two in 2..256, got %d", cfg.Defaults.Microsteps)
	}
	if cfg.Defaults.DualEdge == nil {
		on := true
		cfg.Defaults.DualEdge = &on
	}
	if cfg.Defaults.UpdateIntervalMs <= 0 {
		cfg.Defaults.UpdateIntervalMs = 30
	}
	if cfg.Defaults.TickIntervalMs <= 0 {
		cfg.Defaults.TickIntervalMs = 5
	}
	if cfg.Defaults.DriverConnectTimeoutMs <= 0 {
		cfg.Defaults.DriverConnectTimeoutMs = 5000
	}
	if cfg.Defaults.ConfirmRetries <= 0 {
		cfg.Defaults.ConfirmRetries = 8
	}
	if cfg.Console.Baud <= 0 {
		cfg.Console.Baud = 115200
	}

	return &cfg, nil
}

func validateAxis(name string, a *AxisConfig) error {
	if a.StepPin <= 0 || a.DirPin <= 0 {
		return fmt.Errorf("%s.step_pin and %s.dir_pin are required", name, name)
	}
	if a.StepPin == a.DirPin {
		return fmt.Errorf("%s.step_pin and %s.dir_pin must differ, got %d", name, name, a.StepPin)
	}
	if a.MaxTPS < 0 {
		return fmt.Errorf("%s.max_tps must be >= 0, got %.2f", name, a.MaxTPS)
	}
	if a.AccelTPSS < 0 {
		return fmt.Errorf("%s.accel_tpss must be >= 0, got %.2f", name, a.AccelTPSS)
	}
	for field, v := range map[string]float64{
		"run_current":           a.RunCurrent,
		"med_current":           a.MedCurrent,
		"med_current_threshold": a.MedCurrentThreshold,
		"hold_current":          a.HoldCurrent,
		"backlash_speed":        a.BacklashSpeed,
	} {
		if v < 0 {
			return fmt.Errorf("%s.%s must be >= 0, got %.2f", name, field, v)
		}
	}
	switch a.Direction {
	case 0:
		a.Direction = 1
	case 1, -1:
	default:
		return fmt.Errorf("%s.direction must be 1 or -1, got %d", name, a.Direction)
	}

	if a.MaxTPS == 0 {
		a.MaxTPS = 20000
	}
	if a.AccelTPSS == 0 {
		a.AccelTPSS = 5000
	}
	if a.Encoder.Chip == "" {
		a.Encoder.Chip = "gpiochip0"
	}
	if a.Driver.SPISpeedHz <= 0 {
		a.Driver.SPISpeedHz = 1000000
	}
	if a.Driver.SenseResistor <= 0 {
		a.Driver.SenseResistor = 0.075
	}
	return nil
}

// DualEdge reports whether both STEP edges count as pulses.
func (c *Config) DualEdge() bool {
	return c.Defaults.DualEdge == nil || *c.Defaults.DualEdge
}

// UpdateInterval returns the ramp update throttle.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.Defaults.UpdateIntervalMs) * time.Millisecond
}

// TickInterval returns the foreground loop period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Defaults.TickIntervalMs) * time.Millisecond
}

// ConnectTimeout returns the bound on driver bring-up.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Defaults.DriverConnectTimeoutMs) * time.Millisecond
}
