package irq

import (
	"testing"

	"github.com/bolthur/kernel-sub005/kernel/event"
)

func resetIRQState(t *testing.T) {
	t.Helper()

	origHandlerBlocks := handlerBlocks
	origSyscallTable := make(map[SyscallNumber]SyscallHandler, len(syscallTable))
	for k, v := range syscallTable {
		origSyscallTable[k] = v
	}
	origController := controller
	origNested := nestedDepth
	origStackSwitch := switchToKernelStackFn
	origKiller := killCurrentThreadFn
	origRangeCheck := kernelStackRangeFn
	origActiveCtx := activeUserContextFn
	origSchedulerTick := schedulerTickFn

	handlerBlocks = map[handlerKey]*handlerBlock{}
	nestedDepth = 0

	t.Cleanup(func() {
		handlerBlocks = origHandlerBlocks
		syscallTable = origSyscallTable
		controller = origController
		nestedDepth = origNested
		switchToKernelStackFn = origStackSwitch
		killCurrentThreadFn = origKiller
		kernelStackRangeFn = origRangeCheck
		activeUserContextFn = origActiveCtx
		schedulerTickFn = origSchedulerTick
	})
}

func TestFrameFromUserMode(t *testing.T) {
	userFrame := &Frame{CPSR: cpsrModeUser}
	if !userFrame.FromUserMode() {
		t.Fatal("expected user-mode CPSR to report FromUserMode true")
	}

	kernelFrame := &Frame{CPSR: 0x13} // SVC mode
	if kernelFrame.FromUserMode() {
		t.Fatal("expected SVC-mode CPSR to report FromUserMode false")
	}
}

func TestRegisterHandlerIdempotent(t *testing.T) {
	resetIRQState(t)

	calls := 0
	cb := func(uint8) { calls++ }

	if !RegisterHandler(3, KindNormal, cb, false) {
		t.Fatal("expected first registration to report newly registered")
	}
	if RegisterHandler(3, KindNormal, cb, false) {
		t.Fatal("expected duplicate registration to report false")
	}

	dispatchSource(3, KindNormal)
	if calls != 1 {
		t.Fatalf("expected handler invoked once; got %d", calls)
	}

	UnregisterHandler(3, KindNormal, cb, false)
	dispatchSource(3, KindNormal)
	if calls != 1 {
		t.Fatalf("expected no further invocations after unregister; got %d", calls)
	}
}

func TestDispatchSourceOrdersNonPostBeforePost(t *testing.T) {
	resetIRQState(t)

	var order []string
	RegisterHandler(1, KindNormal, func(uint8) { order = append(order, "post") }, true)
	RegisterHandler(1, KindNormal, func(uint8) { order = append(order, "normal") }, false)

	dispatchSource(1, KindNormal)

	if len(order) != 2 || order[0] != "normal" || order[1] != "post" {
		t.Fatalf("expected [normal post]; got %v", order)
	}
}

type fakeController struct {
	source uint8
	ok     bool
}

func (f *fakeController) Pending(fast bool) (uint8, bool) { return f.source, f.ok }
func (f *fakeController) Mask(uint8)                      {}
func (f *fakeController) Unmask(uint8)                    {}
func (f *fakeController) Validate(uint8) bool             { return true }

func TestHandleIRQDispatchesPendingSourceAndEnqueuesCleanup(t *testing.T) {
	resetIRQState(t)

	var cleanupOrigins []event.Origin
	onCleanup := func(o event.Origin) { cleanupOrigins = append(cleanupOrigins, o) }
	event.Bind(event.Cleanup, onCleanup, false)
	defer event.Unbind(event.Cleanup, onCleanup, false)

	fired := false
	RegisterHandler(7, KindNormal, func(uint8) { fired = true }, false)
	SetController(&fakeController{source: 7, ok: true})

	HandleIRQ(&Registers{}, &Frame{CPSR: cpsrModeUser})

	if !fired {
		t.Fatal("expected the registered handler for the pending source to fire")
	}
	if len(cleanupOrigins) != 1 || cleanupOrigins[0] != event.OriginUser {
		t.Fatalf("expected one CLEANUP event tagged OriginUser; got %v", cleanupOrigins)
	}
}

func TestHandleIRQNoopWhenNothingPending(t *testing.T) {
	resetIRQState(t)
	SetController(&fakeController{ok: false})

	HandleIRQ(&Registers{}, &Frame{})
}

func TestNestedTrapGuardPanicsPastLimit(t *testing.T) {
	resetIRQState(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic once nestedMax is exceeded")
		}
	}()

	for i := 0; i < nestedMax+1; i++ {
		enterTrap()
	}
}

func TestEnterExitTrapBalanced(t *testing.T) {
	resetIRQState(t)

	for i := 0; i < nestedMax; i++ {
		enterTrap()
	}
	for i := 0; i < nestedMax; i++ {
		exitTrap()
	}
	if nestedDepth != 0 {
		t.Fatalf("expected nestedDepth back to 0; got %d", nestedDepth)
	}
}

func TestHandleSVCDispatchesUnknownSyscallAsError(t *testing.T) {
	resetIRQState(t)

	regs := &Registers{R7: 9999}
	HandleSVC(regs, &Frame{})

	if regs.R0 != errNoSuchSyscall {
		t.Fatalf("expected errNoSuchSyscall in R0; got %x", regs.R0)
	}
}

func TestHandleSVCDispatchesRegisteredSyscall(t *testing.T) {
	resetIRQState(t)

	RegisterSyscall(SyscallProcessID, func(r *Registers) { r.R0 = 42 })

	regs := &Registers{R7: uint32(SyscallProcessID)}
	HandleSVC(regs, &Frame{})

	if regs.R0 != 42 {
		t.Fatalf("expected R0 == 42; got %d", regs.R0)
	}
}

func TestHandleUndefinedInUserModeKillsThreadInsteadOfPanicking(t *testing.T) {
	resetIRQState(t)

	killed := false
	SetThreadKiller(func() { killed = true })

	HandleUndefined(&Registers{}, &Frame{CPSR: cpsrModeUser})

	if !killed {
		t.Fatal("expected the thread killer to be invoked for a user-mode undefined instruction")
	}
}

func TestHandleSVCInvokesSchedulerTickAfterDraining(t *testing.T) {
	resetIRQState(t)

	var tickedRegs *Registers
	SetSchedulerTick(func(r *Registers, f *Frame) { tickedRegs = r })

	regs := &Registers{}
	HandleSVC(regs, &Frame{})

	if tickedRegs != regs {
		t.Fatal("expected the scheduler tick to observe the trap's own Registers pointer")
	}
}

func TestHandleUndefinedInKernelModePanics(t *testing.T) {
	resetIRQState(t)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic for a kernel-mode undefined instruction")
		}
	}()
	HandleUndefined(&Registers{}, &Frame{CPSR: 0x13})
}
