package irq

// Controller is the external IRQ-controller collaborator C4 queries: a
// board-specific driver (GIC, BCM2835 interrupt controller, ...) that knows
// which interrupt source is currently pending and can mask/unmask sources.
// irq owns none of this hardware knowledge itself.
type Controller interface {
	// Pending returns the currently pending interrupt source for the
	// normal (fast=false) or fast (fast=true) interrupt line, or ok=false
	// if none is pending.
	Pending(fast bool) (source uint8, ok bool)

	// Mask disables delivery of source.
	Mask(source uint8)

	// Unmask re-enables delivery of source.
	Unmask(source uint8)

	// Validate reports whether source names a real interrupt line on
	// this board.
	Validate(source uint8) bool
}

var controller Controller

// SetController registers the active IRQ controller. Board bring-up code
// calls this once before interrupts are unmasked.
func SetController(c Controller) { controller = c }
