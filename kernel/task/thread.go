package task

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/heap"
	"github.com/bolthur/kernel-sub005/kernel/irq"
)

// kernelStackSize is the kernel-half stack every thread runs its trap
// handling on: 2 pages, the lowest word of which holds the guard word,
// mirroring the original project's lib/ssp.c canary placement.
const kernelStackSize = 2 * 0x1000

// cpsrUserMode duplicates kernel/irq's unexported cpsrModeUser and
// cpsrKernelMode adds the SVC-mode value: irq does not export them, and ARM's mode
// encoding is an architecture fact rather than an irq-package secret.
const (
	cpsrUserMode   = 0x10
	cpsrKernelMode = 0x13 // SVC mode, used for ProcessKernel threads
)

// stackGuardWord is written at the base of every kernel stack at creation
// and checked at teardown; a mismatch means the thread overran its stack.
const stackGuardWord = 0xb01d5ec0

var (
	errStackGuardCorrupt = &kernel.Error{Module: "task", Message: "kernel stack guard word corrupted"}
)

// Thread is one schedulable unit of execution within a Process: its own
// kernel stack, user stack slot and saved trap frame, restored verbatim by
// the scheduler whenever it is dispatched.
type Thread struct {
	ID       uint64
	Process  *Process
	State    ThreadState
	Priority int

	Regs  irq.Registers
	Frame irq.Frame

	kernelStack     uintptr
	kernelStackTop  uintptr
	userStackTop    uintptr
	userStackBottom uintptr
}

// allocKernelStackFn/freeKernelStackFn are indirected so tests can exercise
// thread creation without kernel/heap's own VMM-backed growth path.
var (
	allocKernelStackFn = func(size uintptr) (uintptr, *kernel.Error) { return heap.Allocate(size, 8) }
	freeKernelStackFn  = func(ptr uintptr) { heap.Free(ptr) }
)

func guardWordPtr(stackBase uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(stackBase))
}

// createThreadLocked allocates a kernel stack and a user stack slot for a
// new thread of proc, seeds its saved register frame so that its first
// dispatch enters at entry with sp at the top of its user stack slot, and
// inserts it into the global priority bucket. Caller must hold
// managerMutex; proc must already be registered in processes.
func createThreadLocked(proc *Process, entry uintptr, priority int) (*Thread, *kernel.Error) {
	kernelStack, err := allocKernelStackFn(kernelStackSize)
	if err != nil {
		return nil, err
	}
	*guardWordPtr(kernelStack) = stackGuardWord

	slot, err := proc.stackSlots.Allocate()
	if err != nil {
		freeKernelStackFn(kernelStack)
		return nil, err
	}

	th := &Thread{
		ID:              generateTID(),
		Process:         proc,
		State:           ThreadReady,
		Priority:        clampPriority(priority),
		kernelStack:     kernelStack,
		kernelStackTop:  kernelStack + kernelStackSize,
		userStackBottom: slot,
		userStackTop:    slot + stackSlotSize,
	}
	th.Frame.PC = uint32(entry)
	th.Frame.CPSR = threadInitialCPSR(proc.Type)
	th.Regs.SP = uint32(th.userStackTop)

	proc.threads[th.ID] = th
	scheduleInsert(th)

	return th, nil
}

// threadInitialCPSR seeds the mode bits a freshly created thread dispatches
// into; IRQ is left unmasked so the timer tick can preempt it as spec.md
// 4.6's "preemption is exactly a tick happened during this thread's run"
// requires.
func threadInitialCPSR(ptype ProcessType) uint32 {
	if ptype == ProcessKernel {
		return cpsrKernelMode
	}
	return cpsrUserMode
}

// checkStackGuard returns errStackGuardCorrupt if t's kernel stack guard
// word has been overwritten; callers treat a non-nil result as a fatal
// stack overrun.
func (t *Thread) checkStackGuard() *kernel.Error {
	if *guardWordPtr(t.kernelStack) != stackGuardWord {
		return errStackGuardCorrupt
	}
	return nil
}

// destroyThreadLocked frees a KILL thread's kernel stack and returns its
// user stack slot to the process's hole list. Caller must hold
// managerMutex.
func destroyThreadLocked(t *Thread) {
	if err := t.checkStackGuard(); err != nil {
		panic(err)
	}
	freeKernelStackFn(t.kernelStack)
	t.Process.stackSlots.Free(t.userStackBottom)
	delete(t.Process.threads, t.ID)
}
