// Package guideport reads an ST-4 autoguider port. Each of the four lines is
// pulled up and driven low by the guide camera while a correction is active.
package guideport

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/cjeanneret/ForkGo/internal/hw/gpio"
)

// Guider receives guide corrections (-1, 0, +1).
type Guider interface {
	Guide(dir int)
}

// Pins holds the BCM numbers of the four ST-4 lines.
type Pins struct {
	RAPlus   int
	RAMinus  int
	DECPlus  int
	DECMinus int
}

// Port maps the ST-4 lines onto the RA and DEC axes.
type Port struct {
	gpio gpio.Driver
	pins Pins
	ra   Guider
	dec  Guider

	lastRA  int
	lastDEC int
}

// New configures the four lines as pulled-up inputs.
func New(drv gpio.Driver, pins Pins, ra, dec Guider) (*Port, error) {
	for _, pin := range []int{pins.RAPlus, pins.RAMinus, pins.DECPlus, pins.DECMinus} {
		if err := drv.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("guide port pin %d: %w", pin, err)
		}
	}
	return &Port{gpio: drv, pins: pins, ra: ra, dec: dec}, nil
}

// Poll samples the lines once and forwards the corrections. Both lines of an
// axis active at once cancel out.
func (p *Port) Poll() {
	ra := p.direction(p.pins.RAPlus, p.pins.RAMinus)
	dec := p.direction(p.pins.DECPlus, p.pins.DECMinus)
	if ra != p.lastRA || dec != p.lastDEC {
		debug.Live("guide port: ra=%+d dec=%+d", ra, dec)
	}
	p.lastRA, p.lastDEC = ra, dec
	p.ra.Guide(ra)
	p.dec.Guide(dec)
}

func (p *Port) direction(plus, minus int) int {
	dir := 0
	if p.active(plus) {
		dir++
	}
	if p.active(minus) {
		dir--
	}
	return dir
}

// active reports whether a line is pulled low. Read errors count as idle.
func (p *Port) active(pin int) bool {
	level, err := p.gpio.ReadPin(pin)
	return err == nil && level == gpio.Low
}

// Run polls every interval until ctx is done, then clears any correction.
func (p *Port) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.ra.Guide(0)
			p.dec.Guide(0)
			return ctx.Err()
		case <-ticker.C:
			p.Poll()
		}
	}
}
