package task

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel/ipc"
	"github.com/bolthur/kernel-sub005/kernel/irq"
)

// resultBadPointer mirrors kernel/irq's errBadUserPointer, returned negated
// in R0; task keeps its own copy since irq's is unexported.
const resultBadPointer = uint32(0xfffffffe) // -2

func currentProcessAndThread() (*Process, *Thread) {
	t := CurrentThread()
	if t == nil {
		return nil, nil
	}
	return t.Process, t
}

func userBytes(proc *Process, ptr uintptr, length uintptr) ([]byte, bool) {
	if length == 0 {
		return nil, true
	}
	if !proc.Context.IsMappedIn(ptr) || !proc.Context.IsMappedIn(ptr+length-1) {
		return nil, false
	}
	return (*[1 << 30]byte)(unsafe.Pointer(ptr))[:length:length], true
}

func handleProcessCreate(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	image, ok := userBytes(proc, uintptr(regs.R0), uintptr(regs.R1))
	if !ok {
		regs.R0 = resultBadPointer
		return
	}

	child, err := CreateProcess(image, ProcessUser, int(regs.R2), "", proc.ID)
	if err != nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(child.ID)
}

func handleProcessExit(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		return
	}
	managerMutex.Acquire()
	for _, t := range proc.threads {
		t.State = ThreadKill
	}
	managerMutex.Release()
	Yield()
}

func handleProcessID(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(proc.ID)
}

func handleProcessParentID(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(proc.ParentID)
}

func handleProcessKill(regs *irq.Registers) {
	target, err := LookupProcess(uint64(regs.R0))
	if err != nil {
		regs.R0 = resultBadPointer
		return
	}
	managerMutex.Acquire()
	for _, t := range target.threads {
		t.State = ThreadKill
	}
	managerMutex.Release()
	Yield()
	regs.R0 = 0
}

func handleThreadID(regs *irq.Registers) {
	_, thread := currentProcessAndThread()
	if thread == nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(thread.ID)
}

func handleThreadCreate(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	managerMutex.Acquire()
	th, err := createThreadLocked(proc, uintptr(regs.R0), int(regs.R1))
	managerMutex.Release()
	if err != nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(th.ID)
}

func handleThreadExit(regs *irq.Registers) {
	_, thread := currentProcessAndThread()
	if thread == nil {
		return
	}
	managerMutex.Acquire()
	thread.State = ThreadKill
	managerMutex.Release()
	Yield()
}

func handleThreadKill(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	managerMutex.Acquire()
	target, ok := proc.threads[uint64(regs.R0)]
	if ok {
		target.State = ThreadKill
	}
	managerMutex.Release()
	if !ok {
		regs.R0 = resultBadPointer
		return
	}
	Yield()
	regs.R0 = 0
}

// handleMessageSend implements spec.md 4.7's send syscall. The APCS only
// exposes r0-r3 as argument registers, so requestID is not carried on the
// wire; callers needing request/response correlation route it through the
// message body instead.
func handleMessageSend(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	data, ok := userBytes(proc, uintptr(regs.R2), uintptr(regs.R3))
	if !ok {
		regs.R0 = resultBadPointer
		return
	}
	id, err := Send(uint64(regs.R0), regs.R1, data, 0, proc.ID)
	if err != nil {
		regs.R0 = resultBadPointer
		return
	}
	regs.R0 = uint32(id)
}

// handleMmap implements the mmap syscall as an acquire-or-create of a named
// shared region: r0/r1 give the name's user-memory pointer/length, r2 the
// requested size. Returns the mapped vaddr in r0.
func handleMmap(regs *irq.Registers) {
	proc, _ := currentProcessAndThread()
	if proc == nil {
		regs.R0 = resultBadPointer
		return
	}
	nameBytes, ok := userBytes(proc, uintptr(regs.R0), uintptr(regs.R1))
	if !ok {
		regs.R0 = resultBadPointer
		return
	}
	name := string(nameBytes)

	// Best-effort create: a region already created by an earlier mmap call
	// (by this or another process) is the common case, so CreateRegion's
	// "name taken" error is not fatal here — only AcquireRegion's outcome is.
	_, _ = ipc.CreateRegion(name, uintptr(regs.R2))

	vaddr, err := ipc.AcquireRegion(proc.Context, name, proc.reserveUserSpace)
	if err != nil {
		regs.R0 = resultBadPointer
		return
	}

	managerMutex.Acquire()
	proc.acquired[name] = vaddr
	managerMutex.Release()

	regs.R0 = uint32(vaddr)
}

func init() {
	irq.RegisterSyscall(irq.SyscallProcessCreate, handleProcessCreate)
	irq.RegisterSyscall(irq.SyscallProcessExit, handleProcessExit)
	irq.RegisterSyscall(irq.SyscallProcessID, handleProcessID)
	irq.RegisterSyscall(irq.SyscallProcessParentID, handleProcessParentID)
	irq.RegisterSyscall(irq.SyscallProcessKill, handleProcessKill)
	irq.RegisterSyscall(irq.SyscallThreadID, handleThreadID)
	irq.RegisterSyscall(irq.SyscallThreadCreate, handleThreadCreate)
	irq.RegisterSyscall(irq.SyscallThreadExit, handleThreadExit)
	irq.RegisterSyscall(irq.SyscallThreadKill, handleThreadKill)
	irq.RegisterSyscall(irq.SyscallMessageSend, handleMessageSend)
	irq.RegisterSyscall(irq.SyscallMmap, handleMmap)
}
