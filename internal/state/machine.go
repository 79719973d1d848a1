package state

import "cmp"

// Machine is a high-water-mark state machine: its value only ever increases.
// Advancing to a lower or equal value is ignored.
type Machine[S cmp.Ordered] struct {
	current S
}

// NewMachine returns a machine positioned at initial.
func NewMachine[S cmp.Ordered](initial S) Machine[S] {
	return Machine[S]{current: initial}
}

// Current returns the high-water mark.
func (m *Machine[S]) Current() S {
	return m.current
}

// Advance moves the machine to target when target is greater than the current
// value and reports whether it moved.
func (m *Machine[S]) Advance(target S) bool {
	if target <= m.current {
		return false
	}
	m.current = target
	return true
}
