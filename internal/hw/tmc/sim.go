package tmc

import (
	"errors"
	"sync"
)

// SimChip emulates the SPI side of a TMC5160: a register file with pipelined
// reads. It lets the real TMC5160 code run on a PC and in tests.
type SimChip struct {
	mu      sync.Mutex
	regs    map[uint8]uint32
	pending uint8 // address latched by the previous read

	// Version is reported in IOIN[31:24].
	Version uint8
	// Dead makes the chip answer all ones, as an unpowered driver does.
	Dead bool
	// DropWrites discards the next n writes to a register.
	DropWrites map[uint8]int

	writes map[uint8]int
}

// NewSimChip returns a responsive chip.
func NewSimChip() *SimChip {
	return &SimChip{
		regs:       make(map[uint8]uint32),
		Version:    tmc5160Version,
		DropWrites: make(map[uint8]int),
		writes:     make(map[uint8]int),
	}
}

var errShortDatagram = errors.New("tmc sim: datagram must be 5 bytes")

// Exchange implements Transport.
func (c *SimChip) Exchange(buf []byte) error {
	if len(buf) != 5 {
		return errShortDatagram
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.Dead {
		for i := range buf {
			buf[i] = 0xFF
		}
		return nil
	}

	addr := buf[0] &^ writeFlag
	out := c.value(c.pending)

	if buf[0]&writeFlag != 0 {
		if c.DropWrites[addr] > 0 {
			c.DropWrites[addr]--
		} else {
			c.regs[addr] = uint32(buf[1])<<24 | uint32(buf[2])<<16 | uint32(buf[3])<<8 | uint32(buf[4])
			c.writes[addr]++
		}
	} else {
		c.pending = addr
	}

	buf[0] = 0
	buf[1], buf[2], buf[3], buf[4] = byte(out>>24), byte(out>>16), byte(out>>8), byte(out)
	return nil
}

func (c *SimChip) value(addr uint8) uint32 {
	if addr == regIOIN {
		return uint32(c.Version)<<24 | 0x11
	}
	return c.regs[addr]
}

// Register returns the stored value of a register.
func (c *SimChip) Register(addr uint8) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

// Writes returns the number of accepted writes to addr.
func (c *SimChip) Writes(addr uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes[addr]
}

// SetDead switches the chip between unresponsive and responsive.
func (c *SimChip) SetDead(dead bool) {
	c.mu.Lock()
	c.Dead = dead
	c.mu.Unlock()
}

// DropNextWrites discards the next n writes to addr.
func (c *SimChip) DropNextWrites(addr uint8, n int) {
	c.mu.Lock()
	c.DropWrites[addr] = n
	c.mu.Unlock()
}

// Register addresses exposed for simulations.
const (
	RegGlobalScaler = regGLOBALSCALER
	RegIholdIrun    = regIHOLD_IRUN
	RegChopconf     = regCHOPCONF
)
