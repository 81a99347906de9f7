// Package timer is the interrupt-equivalent tick source for the step
// schedulers. Timers are kept in a list sorted by wake time and fired by
// Dispatch, the way an MCU timer interrupt walks its timer list.
package timer

import (
	"sync"
	"time"
)

// Result tells the dispatcher what to do with a timer after it fired.
type Result uint8

const (
	Done       Result = 0 // drop the timer
	Reschedule Result = 1 // re-insert at the (updated) WakeTime
)

// Firer owns a timer. Fire is called from the dispatcher with the timer that
// woke up; it must do bounded work and must not block.
type Firer interface {
	Fire(t *Timer) Result
}

// Timer represents a scheduled event.
type Timer struct {
	WakeTime time.Duration // clock time of the next firing
	Owner    Firer

	next   *Timer
	queued bool
}

// Queue holds scheduled timers in WakeTime order.
type Queue struct {
	mu   sync.Mutex
	head *Timer
	wake chan struct{}
}

// NewQueue creates an empty timer queue.
func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Schedule adds t to the queue. Scheduling an already queued timer moves it
// to its new WakeTime.
func (q *Queue) Schedule(t *Timer) {
	q.mu.Lock()
	if t.queued {
		q.remove(t)
	}
	q.insert(t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Retime moves a queued timer to wake. It reports false and leaves t alone
// when t is not queued: idle, or taken by Dispatch and about to fire.
func (q *Queue) Retime(t *Timer, wake time.Duration) bool {
	q.mu.Lock()
	if !t.queued {
		q.mu.Unlock()
		return false
	}
	q.remove(t)
	t.WakeTime = wake
	q.insert(t)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Cancel removes t from the queue if it is scheduled.
func (q *Queue) Cancel(t *Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.queued {
		q.remove(t)
	}
}

// Next returns the earliest wake time, or false if the queue is empty.
func (q *Queue) Next() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head == nil {
		return 0, false
	}
	return q.head.WakeTime, true
}

// Len returns the number of scheduled timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for t := q.head; t != nil; t = t.next {
		n++
	}
	return n
}

// Dispatch fires every timer whose WakeTime is <= now, in wake order, and
// returns the number of firings. A timer that reschedules itself to a time
// still <= now fires again in the same call.
//
// Handlers run without the queue lock held so that they may take their own
// axis lock while the foreground holds that lock and schedules.
func (q *Queue) Dispatch(now time.Duration) int {
	fired := 0
	for {
		q.mu.Lock()
		t := q.head
		if t == nil || t.WakeTime > now {
			q.mu.Unlock()
			return fired
		}
		q.head = t.next
		t.next = nil
		t.queued = false
		q.mu.Unlock()

		fired++
		if t.Owner.Fire(t) == Reschedule {
			q.mu.Lock()
			if !t.queued {
				q.insert(t)
			}
			q.mu.Unlock()
		}
	}
}

// insert inserts a timer in sorted order by WakeTime. Equal wake times keep
// their scheduling order.
func (q *Queue) insert(t *Timer) {
	t.queued = true
	if q.head == nil || t.WakeTime < q.head.WakeTime {
		t.next = q.head
		q.head = t
		return
	}

	current := q.head
	for current.next != nil && current.next.WakeTime <= t.WakeTime {
		current = current.next
	}
	t.next = current.next
	current.next = t
}

func (q *Queue) remove(t *Timer) {
	t.queued = false
	if q.head == t {
		q.head = t.next
		t.next = nil
		return
	}
	for current := q.head; current != nil; current = current.next {
		if current.next == t {
			current.next = t.next
			t.next = nil
			return
		}
	}
}
