// Package hal tracks the small set of collaborator devices the core writes
// through (the active Tty backing kernel_putc/kernel_puts) without owning
// any hardware probing itself: board bring-up code registers whatever
// console/tty pair it has brought up via SetActiveTTY before handing control
// to the core, and kernel/irq's syscall table retrieves it from here.
package hal

import (
	"github.com/bolthur/kernel-sub005/kernel/driver/tty"
	"github.com/bolthur/kernel-sub005/kernel/kfmt"
)

var activeTTY tty.Tty

// ActiveTTY returns the currently active TTY, or nil if none has been
// registered yet.
func ActiveTTY() tty.Tty {
	return activeTTY
}

// SetActiveTTY registers t as the active TTY and mirrors kfmt's early output
// sink onto it, so that boot banners and panics appear on the same device
// that kernel_putc/kernel_puts write to.
func SetActiveTTY(t tty.Tty) {
	activeTTY = t
	if t != nil {
		kfmt.SetOutputSink(t)
	}
}
