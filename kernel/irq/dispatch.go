package irq

import (
	"sync/atomic"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/event"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
)

var (
	errNestedTrapOverflow    = &kernel.Error{Module: "irq", Message: "nested trap depth exceeded NESTED_MAX"}
	errUndefinedInKernelMode = &kernel.Error{Module: "irq", Message: "undefined instruction in kernel mode"}
	errResetTrapUnsupported  = &kernel.Error{Module: "irq", Message: "reset trap reached irq dispatch; boot entry should have handled it"}
)

// nestedMax is the implementation-defined nested-trap depth limit
// (spec.md requires >= 4); chosen as the smallest value that still allows
// a timer tick to interrupt a syscall that itself faults once.
const nestedMax = 4

var nestedDepth int32

// enterTrap increments the nested-trap counter and panics once it exceeds
// nestedMax. Every trap dispatch function must call it first and pair it
// with a deferred exitTrap.
func enterTrap() {
	if atomic.AddInt32(&nestedDepth, 1) > nestedMax {
		panic(errNestedTrapOverflow)
	}
}

func exitTrap() {
	atomic.AddInt32(&nestedDepth, -1)
}

// switchToKernelStackFn is invoked on every trap entered from a user-mode
// frame, before any nontrivial handler work runs. It is a no-op until
// kernel/task installs the real per-thread kernel stack switch, mirroring
// kernel/mm.SetFrameAllocator's late-bound-collaborator idiom; irq cannot
// import kernel/task directly without an import cycle (task depends on
// irq, not the reverse).
var switchToKernelStackFn func()

// SetKernelStackSwitch installs the callback invoked whenever a trap is
// entered from user mode, before the trap's own handling begins.
func SetKernelStackSwitch(fn func()) {
	switchToKernelStackFn = fn
}

// killCurrentThreadFn terminates the thread that was executing when an
// unrecoverable user-mode fault occurred, in place of panicking the whole
// kernel. Installed by kernel/task; nil until then, in which case irq falls
// back to the panic behavior spec.md documents as the pre-redesign default.
var killCurrentThreadFn func()

// SetThreadKiller installs the callback used to terminate the current
// thread after an unrecoverable fault taken from user mode.
func SetThreadKiller(fn func()) {
	killCurrentThreadFn = fn
}

// kernelStackRangeFn reports whether pc falls within a known kernel stack
// range. kernel/task installs the real check once it owns per-thread kernel
// stacks; until then, classification falls back to the frame's CPSR mode
// bits. This fallback is an implementation decision: spec.md describes
// origin classification purely in terms of "known kernel stack ranges",
// but CPSR mode bits are the only signal available before kernel/task
// exists and remain a correct classifier even afterwards for traps that
// are not stack-relative (e.g. a fault on the very first instruction of a
// newly dispatched thread, before any kernel stack frame has been pushed).
var kernelStackRangeFn func(pc uintptr) bool

// SetKernelStackRangeCheck installs the real "is this PC within a known
// kernel stack" check.
func SetKernelStackRangeCheck(fn func(pc uintptr) bool) {
	kernelStackRangeFn = fn
}

// schedulerTickFn is invoked after every trap drains its events, with the
// trap's own register/frame pointers: kernel/task installs the real
// scheduler pass here once it exists. Passing the live pointers lets the
// scheduler overwrite them in place with the next dispatched thread's saved
// state, so the ordinary trap-return path (out of scope: the assembly
// trampoline that popped Registers/Frame onto the trap stack before calling
// into Go) restores whichever thread was actually selected without irq
// needing any assembly-level primitive of its own.
var schedulerTickFn func(regs *Registers, frame *Frame)

// SetSchedulerTick installs the callback run after every trap has drained
// its events.
func SetSchedulerTick(fn func(regs *Registers, frame *Frame)) {
	schedulerTickFn = fn
}

func finishTrap(regs *Registers, frame *Frame) {
	event.Drain()
	if schedulerTickFn != nil {
		schedulerTickFn(regs, frame)
	}
}

func classifyOrigin(frame *Frame) event.Origin {
	if kernelStackRangeFn != nil && kernelStackRangeFn(uintptr(frame.PC)) {
		return event.OriginKernel
	}
	if frame.FromUserMode() {
		return event.OriginUser
	}
	return event.OriginKernel
}

func enterFromFrame(frame *Frame) {
	enterTrap()
	if frame.FromUserMode() && switchToKernelStackFn != nil {
		switchToKernelStackFn()
	}
}

// HandleReset is reached only if the reset vector itself mis-jumps; a
// correct boot entry point intercepts reset before the Go-level dispatcher
// is ever installed, so this always indicates a programming error.
func HandleReset(regs *Registers, frame *Frame) {
	panic(errResetTrapUnsupported)
}

// HandleUndefined handles the undefined-instruction trap: a user-mode
// occurrence kills the offending thread (spec.md's redesign flag extends
// the same treatment undefined instructions get as data aborts); a
// kernel-mode occurrence is always fatal.
func HandleUndefined(regs *Registers, frame *Frame) {
	enterFromFrame(frame)
	defer exitTrap()

	if frame.FromUserMode() && killCurrentThreadFn != nil {
		killCurrentThreadFn()
		event.Enqueue(event.Cleanup, classifyOrigin(frame))
		finishTrap(regs, frame)
		return
	}

	regs.Print()
	frame.Print()
	panic(errUndefinedInKernelMode)
}

// HandleSVC services a supervisor call: look up the syscall number from
// regs, invoke its handler, and drain pending events before returning.
func HandleSVC(regs *Registers, frame *Frame) {
	enterFromFrame(frame)
	defer exitTrap()

	dispatchSyscall(regs)
	finishTrap(regs, frame)
}

// HandlePrefetchAbort handles the prefetch-abort trap. debugAttached
// reports whether a debugger is attached to the system (read from the
// debug-status register by the trap entry assembly): when true, this is a
// debug exception and is reported as a DEBUG event rather than treated as a
// fault.
func HandlePrefetchAbort(regs *Registers, frame *Frame, debugAttached bool) {
	enterFromFrame(frame)
	defer exitTrap()

	origin := classifyOrigin(frame)

	if debugAttached {
		event.Enqueue(event.Debug, origin)
		finishTrap(regs, frame)
		return
	}

	if frame.FromUserMode() && killCurrentThreadFn != nil {
		killCurrentThreadFn()
		event.Enqueue(event.Cleanup, origin)
		finishTrap(regs, frame)
		return
	}

	vmm.HandlePrefetchAbort(uintptr(frame.PC), debugAttached)
}

// HandleDataAbort handles the data-abort trap, translating an unrecoverable
// fault taken from user mode into thread termination instead of letting the
// kernel panic propagate, per spec.md's redesign flag; an unrecoverable
// fault from kernel mode remains fatal.
func HandleDataAbort(ctx *vmm.Context, regs *Registers, frame *Frame, faultAddr uintptr, writeFault bool) {
	enterFromFrame(frame)
	defer exitTrap()

	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if frame.FromUserMode() && killCurrentThreadFn != nil {
			killCurrentThreadFn()
			event.Enqueue(event.Cleanup, classifyOrigin(frame))
			finishTrap(regs, frame)
			return
		}
		panic(r)
	}()

	vmm.HandleDataAbort(ctx, faultAddr, writeFault)
}

// HandleIRQ services a normal interrupt: ask the registered Controller
// which source is pending, dispatch its handlers, and enqueue a CLEANUP
// event tagged with the interrupted frame's origin.
func HandleIRQ(regs *Registers, frame *Frame) {
	enterFromFrame(frame)
	defer exitTrap()

	handleInterruptLine(frame, false)
	finishTrap(regs, frame)
}

// HandleFIQ is identical to HandleIRQ but dispatches against the fast
// handler set.
func HandleFIQ(regs *Registers, frame *Frame) {
	enterFromFrame(frame)
	defer exitTrap()

	handleInterruptLine(frame, true)
	finishTrap(regs, frame)
}

func handleInterruptLine(frame *Frame, fast bool) {
	if controller == nil {
		return
	}

	source, ok := controller.Pending(fast)
	if !ok {
		return
	}

	kind := KindNormal
	if fast {
		kind = KindFast
	}
	dispatchSource(source, kind)

	event.Enqueue(event.Cleanup, classifyOrigin(frame))
}
