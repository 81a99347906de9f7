package encoder

import (
	"fmt"
	"sync"

	"github.com/cjeanneret/ForkGo/internal/debug"
	"github.com/warthog618/go-gpiocdev"
)

// transitions maps (previous AB << 2 | current AB) to a tick delta.
// Invalid double transitions count as zero.
var transitions = [16]int64{
	0, +1, -1, 0,
	-1, 0, 0, +1,
	+1, 0, 0, -1,
	0, -1, +1, 0,
}

// Quadrature decodes an A/B encoder in x4 mode from GPIO character device
// edge events.
type Quadrature struct {
	mu    sync.Mutex
	lines *gpiocdev.Lines
	a, b  int
	state uint8 // A<<1 | B
	count int64
}

// OpenQuadrature requests lines a and b on chip (e.g. "gpiochip0") as
// inputs with edge detection on both edges.
func OpenQuadrature(chip string, a, b int) (*Quadrature, error) {
	q := &Quadrature{a: a, b: b}
	lines, err := gpiocdev.RequestLines(chip, []int{a, b},
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithBothEdges,
		gpiocdev.WithEventHandler(q.handle))
	if err != nil {
		return nil, fmt.Errorf("request encoder lines %d,%d on %s: %w", a, b, chip, err)
	}

	vals := make([]int, 2)
	if err := lines.Values(vals); err != nil {
		lines.Close()
		return nil, fmt.Errorf("read encoder lines: %w", err)
	}
	q.mu.Lock()
	q.lines = lines
	q.state = uint8(vals[0]&1)<<1 | uint8(vals[1]&1)
	q.mu.Unlock()

	debug.Verbose("Encoder on %s lines A=%d B=%d, initial state %02b", chip, a, b, q.state)
	return q, nil
}

func (q *Quadrature) handle(evt gpiocdev.LineEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()

	level := uint8(0)
	if evt.Type == gpiocdev.LineEventRisingEdge {
		level = 1
	}
	next := q.state
	switch evt.Offset {
	case q.a:
		next = next&0b01 | level<<1
	case q.b:
		next = next&0b10 | level
	default:
		return
	}
	q.count += transitions[q.state<<2|next]
	q.state = next
}

func (q *Quadrature) Read() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

func (q *Quadrature) Write(v int64) {
	q.mu.Lock()
	q.count = v
	q.mu.Unlock()
}

// Close releases the GPIO lines.
func (q *Quadrature) Close() error {
	q.mu.Lock()
	lines := q.lines
	q.lines = nil
	q.mu.Unlock()
	if lines == nil {
		return nil
	}
	return lines.Close()
}
