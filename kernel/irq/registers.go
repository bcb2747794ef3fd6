// Package irq implements the trap vector dispatch described by the ARM
// exception model: a flat table of seven trap kinds (reset, undefined
// instruction, supervisor call, prefetch abort, data abort, IRQ, FIQ), a
// nested-trap guard, kernel-stack-switch-on-entry bookkeeping and the
// syscall table SVC dispatches into.
package irq

import "github.com/bolthur/kernel-sub005/kernel/kfmt"

// Registers is the APCS (ARM Procedure Call Standard) register set saved by
// the trap entry assembly before calling into Go. r0-r3 are also the
// syscall argument/result registers.
type Registers struct {
	R0, R1, R2, R3   uint32
	R4, R5, R6, R7   uint32
	R8, R9, R10, R11 uint32
	R12              uint32
	SP               uint32
	LR               uint32
}

// Print outputs a dump of the register values to the active console.
func (r *Registers) Print() {
	kfmt.Printf("R0  = %8x R1  = %8x R2  = %8x R3  = %8x\n", r.R0, r.R1, r.R2, r.R3)
	kfmt.Printf("R4  = %8x R5  = %8x R6  = %8x R7  = %8x\n", r.R4, r.R5, r.R6, r.R7)
	kfmt.Printf("R8  = %8x R9  = %8x R10 = %8x R11 = %8x\n", r.R8, r.R9, r.R10, r.R11)
	kfmt.Printf("R12 = %8x SP  = %8x LR  = %8x\n", r.R12, r.SP, r.LR)
}

// Frame is the trap-entry-assembly-pushed portion of CPU state that is
// specific to the kind of trap taken: the program counter the CPU was
// executing (or about to execute) and the saved processor status register.
type Frame struct {
	// PC is the saved program counter: the address of the instruction
	// that caused the trap (undefined/abort) or the instruction
	// following the trapping one (SVC), per the architecture's own
	// offset conventions, already corrected by the trap entry assembly.
	PC uint32

	// CPSR is the saved Current Program Status Register, captured
	// before switching into the handler's own mode.
	CPSR uint32
}

// Print outputs a dump of the trap frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("PC   = %8x CPSR = %8x\n", f.PC, f.CPSR)
}

// cpsrModeMask isolates the mode bits (M[4:0]) of CPSR.
const cpsrModeMask = 0x1f

// cpsrModeUser is the value of the mode bits when the CPU was in
// unprivileged (user) mode at the time of the trap.
const cpsrModeUser = 0x10

// FromUserMode reports whether the trapped frame was executing in
// unprivileged (user) mode, as opposed to one of the kernel-privileged
// modes (SVC, IRQ, FIQ, abort, undef, system).
func (f *Frame) FromUserMode() bool {
	return f.CPSR&cpsrModeMask == cpsrModeUser
}
