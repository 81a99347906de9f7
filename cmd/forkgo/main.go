package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/ForkGo/internal/config"
	"github.com/cjeanneret/ForkGo/internal/console"
	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/encoder"
	"github.com/cjeanneret/ForkGo/internal/hw/gpio"
	"github.com/cjeanneret/ForkGo/internal/hw/guideport"
	"github.com/cjeanneret/ForkGo/internal/hw/stepper"
	"github.com/cjeanneret/ForkGo/internal/hw/timer"
	"github.com/cjeanneret/ForkGo/internal/hw/tmc"
	"github.com/cjeanneret/ForkGo/internal/logic/motion"
	"github.com/cjeanneret/ForkGo/internal/web"
)

// stdioConsole selects stdin/stdout instead of a serial port.
const stdioConsole = "-"

// timerIdle bounds the sleep of the step timer loop when nothing is armed.
const timerIdle = 10 * time.Millisecond

func main() {
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	consolePort := flag.String("console", "", "serial port of the command console ('-' for stdin/stdout); overrides console.port")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	overrides := cliOverrides{WebPort: webPort.port(), Console: *consolePort, DebugLevel: *debugLevel}
	if err := overrides.validate(); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	applyOverrides(cfg, overrides)

	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)
	debug.Value("Mock hardware", cfg.Defaults.MockHardware)

	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Addr != "" {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	if err := run(ctx, cfg, broadcaster); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("forkgo: %v", err)
	}
	debug.Info("shutdown complete")
}

// run builds the hardware, brings the drivers up and runs every loop until
// ctx is cancelled or one of them fails.
func run(ctx context.Context, cfg *config.Config, broadcaster *web.StatusBroadcaster) error {
	debug.Step(1, "Initializing hardware")
	hw, err := openHardware(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := hw.Close(); err != nil {
			log.Printf("closing hardware failed: %v", err)
		}
	}()

	debug.Step(2, "Initializing axes")
	ctrl := motion.New(cfg, hw.bindings)
	debug.PrintStruct("RA axis config", cfg.RA)
	debug.PrintStruct("DEC axis config", cfg.DEC)
	if err := ctrl.Begin(); err != nil {
		// An axis without a driver stays disabled; the other one still runs.
		debug.Error(err)
	}

	if cfg.GuidePort.Enabled {
		debug.Step(3, "Initializing guide port")
		port, err := guideport.New(hw.gpio, guideport.Pins{
			RAPlus:   cfg.GuidePort.RAPlusPin,
			RAMinus:  cfg.GuidePort.RAMinusPin,
			DECPlus:  cfg.GuidePort.DECPlusPin,
			DECMinus: cfg.GuidePort.DECMinusPin,
		}, ctrl.RA(), ctrl.DEC())
		if err != nil {
			return fmt.Errorf("guide port: %w", err)
		}
		ctrl.AddPoller(port)
	}

	var con *console.Console
	var conRW io.ReadWriter
	if cfg.Console.Port != "" {
		rw, closeConsole, err := openConsole(cfg.Console)
		if err != nil {
			return err
		}
		defer closeConsole()
		con, conRW = console.New(ctrl), rw
	}

	debug.Section("Running")
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return timer.Run(gCtx, hw.queue, hw.clock, timerIdle)
	})
	g.Go(func() error {
		defer ctrl.Stop()
		return ctrl.Run(gCtx, cfg.TickInterval())
	})

	if con != nil {
		g.Go(func() error {
			err := con.Serve(gCtx, conRW)
			if err == nil {
				debug.Info("console closed")
				<-gCtx.Done()
				return gCtx.Err()
			}
			return err
		})
	}

	if cfg.Web.Addr != "" {
		srv := web.NewServer(cfg.Web.Addr, broadcaster, ctrl)
		g.Go(func() error {
			return srv.Run(gCtx)
		})
	}

	return g.Wait()
}

// hardware is everything the two axes are bound to.
type hardware struct {
	gpio     gpio.Driver
	queue    *timer.Queue
	clock    timer.Clock
	bindings motion.Bindings
	closers  []io.Closer
}

func (h *hardware) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openHardware builds the bindings of both axes: simulated chips and
// encoders in mock mode, SPI drivers and gpiocdev encoders otherwise.
func openHardware(cfg *config.Config) (*hardware, error) {
	g, err := gpio.NewDriver(cfg.Defaults.MockHardware)
	if err != nil {
		return nil, fmt.Errorf("init GPIO failed: %w", err)
	}
	hw := &hardware{
		gpio:    g,
		queue:   timer.NewQueue(),
		clock:   timer.NewSystemClock(),
		closers: []io.Closer{g},
	}

	axis := func(name string, a config.AxisConfig) (stepper.Hardware, error) {
		b := stepper.Hardware{GPIO: g, Queue: hw.queue, Clock: hw.clock}
		drvCfg := tmc.TMC5160Config{
			Name:          name,
			SenseResistor: a.Driver.SenseResistor,
			Microsteps:    cfg.Defaults.Microsteps,
		}
		if cfg.Defaults.MockHardware {
			b.Driver = tmc.NewTMC5160(tmc.NewSimChip(), drvCfg)
			b.Encoder = &encoder.Counter{}
			return b, nil
		}

		spi, err := tmc.OpenRPiSPI(a.Driver.SPIBus, uint8(a.Driver.ChipSelect), a.Driver.SPISpeedHz)
		if err != nil {
			return b, fmt.Errorf("%s driver: %w", name, err)
		}
		hw.closers = append(hw.closers, spi)
		b.Driver = tmc.NewTMC5160(spi, drvCfg)

		if a.HasEncoder() {
			q, err := encoder.OpenQuadrature(a.Encoder.Chip, a.Encoder.ALine, a.Encoder.BLine)
			if err != nil {
				return b, fmt.Errorf("%s encoder: %w", name, err)
			}
			hw.closers = append(hw.closers, q)
			b.Encoder = q
		}
		return b, nil
	}

	if hw.bindings.RA, err = axis("ra", cfg.RA); err != nil {
		hw.Close()
		return nil, err
	}
	if hw.bindings.DEC, err = axis("dec", cfg.DEC); err != nil {
		hw.Close()
		return nil, err
	}
	return hw, nil
}

type stdio struct {
	io.Reader
	io.Writer
}

// openConsole opens the console port; "-" uses stdin/stdout.
func openConsole(c config.ConsoleConfig) (io.ReadWriter, func(), error) {
	if c.Port == stdioConsole {
		return stdio{os.Stdin, os.Stdout}, func() {}, nil
	}
	port, err := serial.OpenPort(&serial.Config{Name: c.Port, Baud: c.Baud})
	if err != nil {
		return nil, nil, fmt.Errorf("open console %s: %w", c.Port, err)
	}
	debug.Info("console on %s at %d baud", c.Port, c.Baud)
	return port, func() { port.Close() }, nil
}

// cliOverrides are the command-line values that take precedence over the
// config file. Zero values (and DebugLevel -1) mean "use config".
type cliOverrides struct {
	WebPort    int
	Console    string
	DebugLevel int
}

func (o cliOverrides) validate() error {
	if o.DebugLevel < -1 || o.DebugLevel > 4 {
		return fmt.Errorf("debug level must be between 0 and 4, got %d", o.DebugLevel)
	}
	if o.WebPort < 0 || o.WebPort > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", o.WebPort)
	}
	return nil
}

// applyOverrides mutates cfg with the non-zero overrides.
func applyOverrides(cfg *config.Config, o cliOverrides) {
	if o.WebPort > 0 {
		cfg.Web.Addr = fmt.Sprintf(":%d", o.WebPort)
	}
	if o.Console != "" {
		cfg.Console.Port = o.Console
	}
	if o.DebugLevel >= 0 {
		cfg.Defaults.DebugLevel = o.DebugLevel
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }
