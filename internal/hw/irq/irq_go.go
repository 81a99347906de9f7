//go:build !tinygo

package irq

import "sync"

// State is the saved interrupt state returned by Disable.
type State struct{}

// Lock excludes the scheduler goroutine from the foreground on host builds.
type Lock struct {
	mu sync.Mutex
}

// Disable enters the critical section.
func (l *Lock) Disable() State {
	l.mu.Lock()
	return State{}
}

// Restore leaves the critical section.
func (l *Lock) Restore(State) {
	l.mu.Unlock()
}
