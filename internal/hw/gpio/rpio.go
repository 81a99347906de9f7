package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/stianeikeland/go-rpio/v4"
)

// bcmLines is the number of BCM GPIO lines of the Pi SoC.
const bcmLines = 54

var (
	ErrPinRange    = errors.New("gpio: pin out of range")
	ErrPinNotSetup = errors.New("gpio: pin not set up")
	ErrNotOutput   = errors.New("gpio: pin is not an output")
)

type rpiLine struct {
	pin   rpio.Pin
	mode  PinMode
	ready bool
}

// RPiDriver drives the step, direction and guide port lines through go-rpio.
//
// Lines must be set up before use: WritePin runs in the step timer and never
// changes a line's mode behind the caller's back.
type RPiDriver struct {
	mu    sync.Mutex
	lines [bcmLines]rpiLine
}

// NewRPiRealDriver maps the GPIO registers. It needs /dev/gpiomem or root.
func NewRPiRealDriver() (*RPiDriver, error) {
	debug.Info("Initializing real GPIO driver (go-rpio)")
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to open GPIO: %w (are you running on a Raspberry Pi?)", err)
	}
	return &RPiDriver{}, nil
}

func checkPin(pin int) error {
	if pin < 0 || pin >= bcmLines {
		return fmt.Errorf("%w: %d", ErrPinRange, pin)
	}
	return nil
}

func (r *RPiDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if err := checkPin(pin); err != nil {
		return err
	}

	p := rpio.Pin(pin)
	switch mode {
	case Input:
		p.Input()
		p.PullOff()
	case InputPullUp:
		p.Input()
		p.PullUp()
	case Output:
		p.Output()
		p.Low()
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}

	r.mu.Lock()
	r.lines[pin] = rpiLine{pin: p, mode: mode, ready: true}
	r.mu.Unlock()
	return nil
}

func (r *RPiDriver) line(pin int) (rpiLine, error) {
	if err := checkPin(pin); err != nil {
		return rpiLine{}, err
	}
	r.mu.Lock()
	l := r.lines[pin]
	r.mu.Unlock()
	if !l.ready {
		return rpiLine{}, fmt.Errorf("%w: %d", ErrPinNotSetup, pin)
	}
	return l, nil
}

func (r *RPiDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	l, err := r.line(pin)
	if err != nil {
		return err
	}
	if l.mode != Output {
		return fmt.Errorf("%w: %d", ErrNotOutput, pin)
	}
	if level == High {
		l.pin.High()
	} else {
		l.pin.Low()
	}
	return nil
}

// ReadPin reads inputs and reads back outputs.
func (r *RPiDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	l, err := r.line(pin)
	if err != nil {
		return Low, err
	}
	return Level(l.pin.Read() == rpio.High), nil
}

// Close drives step and direction outputs low, releases every line to input
// and unmaps the registers.
func (r *RPiDriver) Close() error {
	debug.Trace("GPIO Close (real driver)")

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.lines {
		l := &r.lines[i]
		if !l.ready {
			continue
		}
		if l.mode == Output {
			l.pin.Low()
		}
		l.pin.Input()
		l.ready = false
	}
	return rpio.Close()
}
