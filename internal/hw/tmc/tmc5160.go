package tmc

import (
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/ForkGo/internal/debug"
)

// TMC5160 register addresses
const (
	regGCONF        = 0x00
	regGSTAT        = 0x01
	regIOIN         = 0x04
	regGLOBALSCALER = 0x0B
	regIHOLD_IRUN   = 0x10
	regTPOWERDOWN   = 0x11
	regCHOPCONF     = 0x6C
)

const (
	writeFlag = 0x80

	tmc5160Version = 0x30

	chopconfMresShift = 24
	chopconfMresMask  = 0xF << chopconfMresShift
	chopconfIntpol    = 1 << 28
	chopconfDedge     = 1 << 29

	// full-scale sense voltage
	vfs = 0.325
)

// Transport exchanges one full-duplex datagram in place.
type Transport interface {
	Exchange(buf []byte) error
}

// TMC5160Config holds configuration for a TMC5160 driver.
type TMC5160Config struct {
	Name          string
	SenseResistor float64 // ohms (default: 0.075)
	Microsteps    int     // initial MRES (default: 32)
}

// TMC5160 drives a TMC5160 in step/dir mode over SPI.
type TMC5160 struct {
	mu   sync.Mutex
	bus  Transport
	name string

	senseResistor float64
	microsteps    int

	gconf     uint32
	chopconf  uint32
	iholdIrun uint32
	scaler    uint32
}

// NewTMC5160 creates a driver talking over bus. Nothing is sent until Begin.
func NewTMC5160(bus Transport, cfg TMC5160Config) *TMC5160 {
	if cfg.SenseResistor <= 0 {
		cfg.SenseResistor = 0.075
	}
	if !ValidMicrosteps(cfg.Microsteps) {
		cfg.Microsteps = 32
	}

	d := &TMC5160{
		bus:           bus,
		name:          cfg.Name,
		senseResistor: cfg.SenseResistor,
		microsteps:    cfg.Microsteps,
	}

	// toff=3, hstrt=4, hend=1, tbl=2, tpfd=4, intpol
	d.chopconf = 3 | (4 << 4) | (1 << 7) | (2 << 15) | (4 << 20) | chopconfIntpol
	d.chopconf = withMres(d.chopconf, d.microsteps)
	d.scaler = 128
	return d
}

func withMres(chopconf uint32, microsteps int) uint32 {
	return chopconf&^chopconfMresMask | uint32(microstepsToMres(microsteps))<<chopconfMresShift
}

// microstepsToMres encodes 256..1 microsteps as MRES 0..8.
func microstepsToMres(microsteps int) uint8 {
	mres := uint8(0)
	for ms := 256; ms > microsteps && mres < 8; ms >>= 1 {
		mres++
	}
	return mres
}

func mresToMicrosteps(mres uint8) int {
	if mres > 8 {
		mres = 8
	}
	return 256 >> mres
}

// Begin writes the initial register set and clears latched status flags.
func (d *TMC5160) Begin() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	debug.Driver(d.name, "begin: microsteps=%d rsense=%.3f", d.microsteps, d.senseResistor)

	if _, err := d.read(regGSTAT); err != nil {
		return err
	}
	writes := []struct {
		reg uint8
		val uint32
	}{
		{regGCONF, d.gconf},
		{regGLOBALSCALER, d.scaler},
		{regIHOLD_IRUN, d.iholdIrun},
		{regTPOWERDOWN, 10},
		{regCHOPCONF, d.chopconf},
	}
	for _, w := range writes {
		if err := d.write(w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

// TestConnection reads IOIN and checks the version field.
func (d *TMC5160) TestConnection() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.read(regIOIN)
	if err != nil {
		return ConnAllOnes
	}
	switch {
	case v == 0xFFFFFFFF:
		return ConnAllOnes
	case v == 0:
		return ConnAllZeros
	case v>>24 != tmc5160Version:
		return ConnWrongDevice
	}
	return ConnOK
}

func (d *TMC5160) SetMicrosteps(microsteps int) error {
	if !ValidMicrosteps(microsteps) {
		return fmt.Errorf("invalid microsteps value: %d", microsteps)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.microsteps = microsteps
	d.chopconf = withMres(d.chopconf, microsteps)
	debug.Driver(d.name, "microsteps=%d chopconf=0x%08X", microsteps, d.chopconf)
	return d.write(regCHOPCONF, d.chopconf)
}

// Microsteps reads CHOPCONF back from the chip.
func (d *TMC5160) Microsteps() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, err := d.read(regCHOPCONF)
	if err != nil {
		return 0, err
	}
	return mresToMicrosteps(uint8((v & chopconfMresMask) >> chopconfMresShift)), nil
}

// SetCurrent programs GLOBALSCALER and IRUN/IHOLD for an RMS current in mA.
// The axis controller switches tiers itself, so hold and run are equal.
func (d *TMC5160) SetCurrent(mA float64) error {
	if mA <= 0 || math.IsNaN(mA) {
		return fmt.Errorf("current must be > 0, got %v", mA)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	scaler, cs := calcCurrent(mA/1000, d.senseResistor)
	d.scaler = uint32(scaler)
	d.iholdIrun = uint32(cs) | uint32(cs)<<8 | 6<<16
	debug.Driver(d.name, "current=%.0fmA gs=%d cs=%d", mA, scaler, cs)

	if err := d.write(regGLOBALSCALER, d.scaler); err != nil {
		return err
	}
	return d.write(regIHOLD_IRUN, d.iholdIrun)
}

// SetDualEdge toggles stepping on both STEP edges (DEDGE).
func (d *TMC5160) SetDualEdge(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if on {
		d.chopconf |= chopconfDedge
	} else {
		d.chopconf &^= chopconfDedge
	}
	return d.write(regCHOPCONF, d.chopconf)
}

// calcCurrent solves
// I_rms = (GLOBALSCALER/256) * ((CS+1)/32) * (V_fs / R_sense) / sqrt(2)
// for the scaler at CS=31, then for CS at that scaler.
func calcCurrent(amps, rsense float64) (uint8, int) {
	gs := amps * 256.0 * rsense * math.Sqrt2 / vfs

	scaler := uint8(255)
	if gs < 256 {
		scaler = uint8(gs)
		if scaler < 32 {
			scaler = 32 // minimum recommended value
		}
	}

	cs := int(math.Round(32.0*amps*256.0*rsense*math.Sqrt2/(float64(scaler)*vfs) - 1))
	if cs < 0 {
		cs = 0
	}
	if cs > 31 {
		cs = 31
	}
	return scaler, cs
}

func (d *TMC5160) write(reg uint8, val uint32) error {
	buf := []byte{reg | writeFlag, byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)}
	if err := d.bus.Exchange(buf); err != nil {
		return fmt.Errorf("%s: write 0x%02X: %w", d.name, reg, err)
	}
	return nil
}

// read uses the pipelined SPI read: the first datagram latches the address,
// the reply to the second carries the data.
func (d *TMC5160) read(reg uint8) (uint32, error) {
	if err := d.bus.Exchange([]byte{reg, 0, 0, 0, 0}); err != nil {
		return 0, fmt.Errorf("%s: read 0x%02X: %w", d.name, reg, err)
	}
	buf := []byte{reg, 0, 0, 0, 0}
	if err := d.bus.Exchange(buf); err != nil {
		return 0, fmt.Errorf("%s: read 0x%02X: %w", d.name, reg, err)
	}
	return uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4]), nil
}
