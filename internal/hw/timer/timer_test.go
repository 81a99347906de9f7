package timer

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// periodic reschedules itself every period, count times.
type periodic struct {
	period time.Duration
	count  int
	fired  []time.Duration
}

func (p *periodic) Fire(t *Timer) Result {
	p.fired = append(p.fired, t.WakeTime)
	if len(p.fired) >= p.count {
		return Done
	}
	t.WakeTime += p.period
	return Reschedule
}

func TestQueue_DispatchFiresInWakeOrder(t *testing.T) {
	q := NewQueue()
	var order []string
	mk := func(name string, at time.Duration) *Timer {
		return &Timer{WakeTime: at, Owner: firerFunc(func(*Timer) Result {
			order = append(order, name)
			return Done
		})}
	}
	q.Schedule(mk("c", 30))
	q.Schedule(mk("a", 10))
	q.Schedule(mk("b", 20))

	if n := q.Dispatch(25); n != 2 {
		t.Fatalf("Dispatch(25) fired %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("order = %v, want [a b]", order)
	}
	if next, ok := q.Next(); !ok || next != 30 {
		t.Errorf("Next() = %v,%v, want 30,true", next, ok)
	}
}

func TestQueue_RescheduleCatchesUp(t *testing.T) {
	q := NewQueue()
	p := &periodic{period: 10 * time.Millisecond, count: 100}
	q.Schedule(&Timer{WakeTime: 10 * time.Millisecond, Owner: p})

	q.Dispatch(55 * time.Millisecond)

	if len(p.fired) != 5 {
		t.Fatalf("fired %d times, want 5", len(p.fired))
	}
	for i, at := range p.fired {
		want := time.Duration(i+1) * 10 * time.Millisecond
		if at != want {
			t.Errorf("firing %d at %v, want %v", i, at, want)
		}
	}
}

func TestQueue_DoneRemovesTimer(t *testing.T) {
	q := NewQueue()
	p := &periodic{period: time.Millisecond, count: 3}
	q.Schedule(&Timer{WakeTime: 0, Owner: p})

	q.Dispatch(time.Second)

	if len(p.fired) != 3 {
		t.Errorf("fired %d times, want 3", len(p.fired))
	}
	if q.Len() != 0 {
		t.Errorf("queue length = %d, want 0", q.Len())
	}
}

func TestQueue_CancelAndReschedule(t *testing.T) {
	q := NewQueue()
	p := &periodic{period: time.Millisecond, count: 1}
	tm := &Timer{WakeTime: 5, Owner: p}
	q.Schedule(tm)
	q.Cancel(tm)

	if q.Dispatch(100) != 0 {
		t.Error("cancelled timer should not fire")
	}

	q.Schedule(tm)
	tm.WakeTime = 50
	q.Schedule(tm) // moving an already queued timer
	if q.Len() != 1 {
		t.Fatalf("queue length = %d, want 1", q.Len())
	}
	if q.Dispatch(40) != 0 {
		t.Error("timer moved to 50 should not fire at 40")
	}
	if q.Dispatch(50) != 1 {
		t.Error("timer should fire at 50")
	}
}

func TestQueue_RetimeMovesQueuedTimer(t *testing.T) {
	q := NewQueue()
	var fired []time.Duration
	tm := &Timer{WakeTime: 100, Owner: firerFunc(func(t *Timer) Result {
		fired = append(fired, t.WakeTime)
		return Done
	})}
	q.Schedule(tm)

	if !q.Retime(tm, 10) {
		t.Fatal("Retime of a queued timer = false")
	}
	if next, ok := q.Next(); !ok || next != 10 {
		t.Fatalf("Next = %v, %v; want 10", next, ok)
	}
	if n := q.Dispatch(10); n != 1 || len(fired) != 1 || fired[0] != 10 {
		t.Errorf("Dispatch(10) fired %d at %v, want once at 10", n, fired)
	}
	if q.Retime(tm, 5) {
		t.Error("Retime of an idle timer = true")
	}
	if tm.WakeTime != 10 || q.Len() != 0 {
		t.Errorf("idle timer changed: wake=%v len=%d", tm.WakeTime, q.Len())
	}
}

func TestManualClock(t *testing.T) {
	var c ManualClock
	if c.Now() != 0 {
		t.Fatalf("zero clock = %v", c.Now())
	}
	c.Advance(3 * time.Millisecond)
	c.Advance(2 * time.Millisecond)
	if c.Now() != 5*time.Millisecond {
		t.Errorf("Now() = %v, want 5ms", c.Now())
	}
	c.Set(time.Second)
	if c.Now() != time.Second {
		t.Errorf("Now() = %v, want 1s", c.Now())
	}
}

func TestRun_DispatchesUntilCancelled(t *testing.T) {
	q := NewQueue()
	clock := NewSystemClock()
	var fired atomic.Int32
	q.Schedule(&Timer{WakeTime: clock.Now() + time.Millisecond, Owner: firerFunc(func(tm *Timer) Result {
		if fired.Add(1) >= 3 {
			return Done
		}
		tm.WakeTime += time.Millisecond
		return Reschedule
	})})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, q, clock, time.Millisecond) }()

	deadline := time.After(time.Second)
	for fired.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("timer fired %d times, want 3", fired.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

type firerFunc func(*Timer) Result

func (f firerFunc) Fire(t *Timer) Result { return f(t) }
