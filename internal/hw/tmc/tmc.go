// Package tmc talks to the Trinamic stepper drivers that set the microstep
// resolution, the step edge mode and the coil current of each axis.
package tmc

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/cjeanneret/ForkGo/internal/debug"
)

var (
	// ErrNoConnection is returned when the driver never answered a
	// connection test within the allowed time.
	ErrNoConnection = errors.New("tmc: driver not responding")
	// ErrNotConfirmed is returned when a register write could not be read
	// back within the allowed number of attempts.
	ErrNotConfirmed = errors.New("tmc: register write not confirmed")
)

// Driver is the configuration surface of a stepper driver used by the axis
// controller. Currents are RMS milliamps.
type Driver interface {
	Begin() error
	// TestConnection returns 0 when the driver answers correctly, a
	// non-zero diagnostic code otherwise.
	TestConnection() uint8
	SetMicrosteps(microsteps int) error
	Microsteps() (int, error)
	SetCurrent(mA float64) error
	SetDualEdge(on bool) error
}

// Connection test results.
const (
	ConnOK          uint8 = 0
	ConnAllOnes     uint8 = 1 // bus floating or driver unpowered
	ConnAllZeros    uint8 = 2 // MISO stuck low
	ConnWrongDevice uint8 = 3 // answered with an unexpected version
)

// Connect calls TestConnection until it succeeds or timeout elapses,
// backing off exponentially between attempts.
func Connect(d Driver, timeout time.Duration) error {
	var last uint8
	op := func() error {
		last = d.TestConnection()
		if last != ConnOK {
			debug.Verbose("tmc: connection test returned %d", last)
			return fmt.Errorf("%w (code %d)", ErrNoConnection, last)
		}
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock})
	if err != nil {
		return fmt.Errorf("%w after %v (last code %d)", ErrNoConnection, timeout, last)
	}
	return nil
}

// Confirm performs write and then check, repeating both until check reports
// success or retries further attempts have failed.
func Confirm(retries int, write func() error, check func() (bool, error)) error {
	if retries < 0 {
		retries = 0
	}
	op := func() error {
		if err := write(); err != nil {
			return err
		}
		ok, err := check()
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotConfirmed
		}
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(&backoff.ZeroBackOff{}, uint64(retries))); err != nil {
		if errors.Is(err, ErrNotConfirmed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrNotConfirmed, err)
	}
	return nil
}

// SetMicrostepsConfirmed writes the microstep resolution and reads it back.
func SetMicrostepsConfirmed(d Driver, microsteps, retries int) error {
	return Confirm(retries,
		func() error { return d.SetMicrosteps(microsteps) },
		func() (bool, error) {
			got, err := d.Microsteps()
			return got == microsteps, err
		})
}

// ValidMicrosteps reports whether ms is a resolution the drivers accept.
func ValidMicrosteps(ms int) bool {
	switch ms {
	case 1, 2, 4, 8, 16, 32, 64, 128, 256:
		return true
	}
	return false
}
