// Package irq provides the critical section shared by the foreground context
// and the step scheduler context of an axis.
//
// Every field read by one context and written by the other is accessed only
// between Disable and Restore. Sections are kept to the handful of fields
// needed for one consistent snapshot and are never held across a call into
// the stepper driver.
package irq

// Section runs fn with the lock held.
func (l *Lock) Section(fn func()) {
	state := l.Disable()
	defer l.Restore(state)
	fn()
}
