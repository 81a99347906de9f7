package encoder

import (
	"testing"

	"github.com/warthog618/go-gpiocdev"
)

func TestCounter(t *testing.T) {
	var c Counter
	c.Add(5)
	c.Add(-2)
	if c.Read() != 3 {
		t.Errorf("Read() = %d, want 3", c.Read())
	}
	c.Write(100)
	if c.Read() != 100 {
		t.Errorf("Read() = %d, want 100", c.Read())
	}
}

func edge(offset int, rising bool) gpiocdev.LineEvent {
	typ := gpiocdev.LineEventFallingEdge
	if rising {
		typ = gpiocdev.LineEventRisingEdge
	}
	return gpiocdev.LineEvent{Offset: offset, Type: typ}
}

func TestQuadrature_ForwardAndBackward(t *testing.T) {
	q := &Quadrature{a: 20, b: 21}

	// One forward cycle: 00 -> 01 -> 11 -> 10 -> 00.
	forward := []gpiocdev.LineEvent{
		edge(21, true), edge(20, true), edge(21, false), edge(20, false),
	}
	for _, e := range forward {
		q.handle(e)
	}
	if q.Read() != 4 {
		t.Fatalf("after forward cycle Read() = %d, want 4", q.Read())
	}

	// Same cycle reversed.
	for i := len(forward) - 1; i >= 0; i-- {
		e := forward[i]
		q.handle(edge(e.Offset, e.Type != gpiocdev.LineEventRisingEdge))
	}
	if q.Read() != 0 {
		t.Errorf("after reverse cycle Read() = %d, want 0", q.Read())
	}
}

func TestQuadrature_IgnoresForeignLinesAndWrite(t *testing.T) {
	q := &Quadrature{a: 20, b: 21}
	q.handle(edge(7, true))
	if q.Read() != 0 {
		t.Errorf("foreign line moved counter to %d", q.Read())
	}
	q.Write(-12)
	if q.Read() != -12 {
		t.Errorf("Read() = %d, want -12", q.Read())
	}
	if err := q.Close(); err != nil {
		t.Errorf("Close without lines: %v", err)
	}
}
