//go:build tinygo

package irq

import "runtime/interrupt"

// State is the saved interrupt state returned by Disable.
type State = interrupt.State

// Lock disables interrupts on the MCU for the duration of a section.
type Lock struct{}

// Disable disables interrupts and returns the previous state.
func (l *Lock) Disable() State {
	return interrupt.Disable()
}

// Restore restores the interrupt state.
func (l *Lock) Restore(state State) {
	interrupt.Restore(state)
}
