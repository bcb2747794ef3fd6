package irq

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel/hal"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
)

func unsafePointerFromUintptr(ptr uintptr) unsafe.Pointer {
	return unsafe.Pointer(ptr)
}

// SyscallNumber is one of the stable syscall numbers the source/destination
// architecture's SVC trap dispatches on.
type SyscallNumber uint32

const (
	SyscallProcessCreate   SyscallNumber = 1
	SyscallProcessExit     SyscallNumber = 2
	SyscallProcessID       SyscallNumber = 3
	SyscallProcessParentID SyscallNumber = 4
	SyscallProcessKill     SyscallNumber = 5
	SyscallThreadID        SyscallNumber = 6
	SyscallThreadCreate    SyscallNumber = 7
	SyscallThreadExit      SyscallNumber = 8
	SyscallThreadKill      SyscallNumber = 10
	SyscallKernelPutc      SyscallNumber = 11
	SyscallKernelPuts      SyscallNumber = 12
	SyscallMessageSend     SyscallNumber = 20
	SyscallMmap            SyscallNumber = 21

	// SyscallMailboxRead/SyscallMailboxWrite are "platform-specific" per
	// spec.md's syscall table; these numbers are this rewrite's own
	// assignment, not inherited from the original source.
	SyscallMailboxRead  SyscallNumber = 30
	SyscallMailboxWrite SyscallNumber = 31
)

// errNoSuchSyscall and errBadUserPointer are returned in R0 (negated, per
// spec.md's "negative error codes in the result register" convention)
// rather than panicking: an unrecognized syscall number or an unmapped user
// pointer are both caller mistakes, not kernel invariant violations.
const (
	errNoSuchSyscall  = uint32(0xffffffff) // -1
	errBadUserPointer = uint32(0xfffffffe) // -2
)

// SyscallHandler services one syscall, reading arguments from and writing
// its result into regs (r0-r3 double as argument/result registers per the
// APCS).
type SyscallHandler func(regs *Registers)

var syscallTable = map[SyscallNumber]SyscallHandler{
	SyscallKernelPutc: handleKernelPutc,
	SyscallKernelPuts: handleKernelPuts,
}

// RegisterSyscall installs handler as the implementation of number,
// replacing any previous registration. kernel/task installs the
// process/thread/message syscalls once it exists.
func RegisterSyscall(number SyscallNumber, handler SyscallHandler) {
	syscallTable[number] = handler
}

// dispatchSyscall looks up and invokes the handler for the number encoded
// in regs, per the ARM EABI convention of passing the syscall number in r7.
func dispatchSyscall(regs *Registers) {
	handler, ok := syscallTable[SyscallNumber(regs.R7)]
	if !ok {
		regs.R0 = errNoSuchSyscall
		return
	}
	handler(regs)
}

// activeUserContextFn resolves the context a user pointer must be validated
// against. It defaults to the kernel context (every address is "valid" in
// the sense that there is no separate user address space to fail against
// yet) and is overridden by kernel/task once per-thread contexts exist.
var activeUserContextFn = vmm.KernelContext

// SetActiveUserContext installs the callback kernel/task uses to report the
// context of the thread currently dispatched, once per-thread contexts
// exist.
func SetActiveUserContext(fn func() *vmm.Context) {
	activeUserContextFn = fn
}

func validateUserRange(ptr, length uintptr) bool {
	if length == 0 {
		return true
	}
	ctx := activeUserContextFn()
	return ctx.IsMappedIn(ptr) && ctx.IsMappedIn(ptr+length-1)
}

func handleKernelPutc(regs *Registers) {
	tty := hal.ActiveTTY()
	if tty == nil {
		return
	}
	_ = tty.WriteByte(byte(regs.R0))
}

// handleKernelPuts writes length bytes starting at ptr (both taken from the
// syscall's argument registers) to the active tty, returning the number of
// bytes written in R0, or errBadUserPointer if the range is not mapped in
// the caller's context.
func handleKernelPuts(regs *Registers) {
	ptr := uintptr(regs.R0)
	length := uintptr(regs.R1)

	if !validateUserRange(ptr, length) {
		regs.R0 = errBadUserPointer
		return
	}

	tty := hal.ActiveTTY()
	if tty == nil {
		regs.R0 = 0
		return
	}

	src := (*[1 << 30]byte)(unsafePointerFromUintptr(ptr))[:length:length]
	written, _ := tty.Write(src)
	regs.R0 = uint32(written)
}
