package tmc

import (
	"fmt"
	"sync"

	"github.com/stianeikeland/go-rpio/v4"
)

// Both axis drivers share one SPI controller; the chip select is switched
// per datagram.
var spiMu sync.Mutex

// RPiSPI is a Transport on the Raspberry Pi SPI controller via go-rpio.
// rpio.Open must have been called, which the real GPIO driver does.
type RPiSPI struct {
	dev        rpio.SpiDev
	chipSelect uint8
	speed      int
}

// OpenRPiSPI claims SPI bus (0..2) for a driver on chipSelect.
func OpenRPiSPI(bus int, chipSelect uint8, speedHz int) (*RPiSPI, error) {
	var dev rpio.SpiDev
	switch bus {
	case 0:
		dev = rpio.Spi0
	case 1:
		dev = rpio.Spi1
	case 2:
		dev = rpio.Spi2
	default:
		return nil, fmt.Errorf("unknown spi bus %d", bus)
	}
	if speedHz <= 0 {
		speedHz = 1000000
	}

	spiMu.Lock()
	defer spiMu.Unlock()
	if err := rpio.SpiBegin(dev); err != nil {
		return nil, fmt.Errorf("spi begin: %w", err)
	}
	return &RPiSPI{dev: dev, chipSelect: chipSelect, speed: speedHz}, nil
}

// Exchange implements Transport. The TMC5160 uses SPI mode 3.
func (s *RPiSPI) Exchange(buf []byte) error {
	spiMu.Lock()
	defer spiMu.Unlock()

	rpio.SpiChipSelect(s.chipSelect)
	rpio.SpiSpeed(s.speed)
	rpio.SpiMode(1, 1)
	rpio.SpiExchange(buf)
	return nil
}

// Close releases the SPI pins.
func (s *RPiSPI) Close() error {
	spiMu.Lock()
	defer spiMu.Unlock()
	rpio.SpiEnd(s.dev)
	return nil
}
