package task

import (
	"testing"
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/irq"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
)

// resetSchedulerState clears every package-level scheduler/process-manager
// variable and restores it after the test, so tests can construct Process/
// Thread values directly without going through CreateProcess's vmm/elf
// dependencies.
func resetSchedulerState(t *testing.T) {
	t.Helper()
	origBuckets := buckets
	origLastDispatched := lastDispatched
	origCurrent := current
	origProcesses := processes
	origNameTable := nameTable

	buckets = [PriorityCount][]*Thread{}
	lastDispatched = [PriorityCount]int{}
	current = nil
	processes = map[uint64]*Process{}
	nameTable = map[string]uint64{}

	t.Cleanup(func() {
		buckets = origBuckets
		lastDispatched = origLastDispatched
		current = origCurrent
		processes = origProcesses
		nameTable = origNameTable
	})
}

func newTestThread(id uint64, priority int, state ThreadState) *Thread {
	proc := &Process{ID: id, threads: map[uint64]*Thread{}}
	th := &Thread{ID: id, Process: proc, Priority: priority, State: state}
	proc.threads[id] = th
	processes[id] = proc
	return th
}

func TestPickNextPrefersHigherPriorityBucket(t *testing.T) {
	resetSchedulerState(t)

	low := newTestThread(1, 5, ThreadReady)
	high := newTestThread(2, 1, ThreadReady)
	scheduleInsert(low)
	scheduleInsert(high)

	got := pickNext()
	if got != high {
		t.Fatalf("expected the higher-priority (lower-numbered) thread to be picked")
	}
}

func TestPickNextRoundRobinsWithinABucket(t *testing.T) {
	resetSchedulerState(t)

	a := newTestThread(1, 3, ThreadReady)
	b := newTestThread(2, 3, ThreadReady)
	scheduleInsert(a)
	scheduleInsert(b)

	first := pickNext()
	second := pickNext()
	if first == second {
		t.Fatal("expected round-robin to alternate between same-priority threads")
	}
}

func TestPickNextSkipsNonReadyThreads(t *testing.T) {
	resetSchedulerState(t)

	waiting := newTestThread(1, 0, ThreadWait)
	ready := newTestThread(2, 0, ThreadReady)
	scheduleInsert(waiting)
	scheduleInsert(ready)

	if got := pickNext(); got != ready {
		t.Fatal("expected the WAIT thread to be skipped in favor of the READY one")
	}
}

func TestScheduleTransplantsRegisterFrame(t *testing.T) {
	resetSchedulerState(t)

	origActivate := activateContextFn
	activateContextFn = func(*vmm.Context) {}
	defer func() { activateContextFn = origActivate }()

	th := newTestThread(1, 0, ThreadReady)
	th.Regs.R0 = 0xdeadbeef
	th.Frame.PC = 0x8000
	scheduleInsert(th)

	regs := &irq.Registers{}
	frame := &irq.Frame{}
	Schedule(regs, frame)

	if regs.R0 != 0xdeadbeef || frame.PC != 0x8000 {
		t.Fatal("expected the picked thread's saved registers/frame to be transplanted onto the trap's own pointers")
	}
	if th.State != ThreadActive {
		t.Fatalf("expected the dispatched thread to be marked ACTIVE; got %v", th.State)
	}
}

func TestScheduleReapsKillThread(t *testing.T) {
	resetSchedulerState(t)

	origFree := freeKernelStackFn
	freeKernelStackFn = func(uintptr) {}
	defer func() { freeKernelStackFn = origFree }()

	origDestroyCtx := destroyContextFn
	destroyContextFn = func(*vmm.Context) *kernel.Error { return nil }
	defer func() { destroyContextFn = origDestroyCtx }()

	origActivate := activateContextFn
	activateContextFn = func(*vmm.Context) {}
	defer func() { activateContextFn = origActivate }()

	stackBuf := make([]byte, kernelStackSize)
	stackAddr := uintptr(unsafe.Pointer(&stackBuf[0]))

	dying := newTestThread(1, 0, ThreadKill)
	dying.kernelStack = stackAddr
	dying.kernelStackTop = stackAddr + kernelStackSize
	*guardWordPtr(stackAddr) = stackGuardWord
	dying.Process.stackSlots = newStackSlotManager(userHalfBase, stackSlotSize)
	scheduleInsert(dying)
	current = dying

	survivor := newTestThread(2, 0, ThreadReady)
	scheduleInsert(survivor)

	regs := &irq.Registers{}
	frame := &irq.Frame{}
	Schedule(regs, frame)

	if _, ok := processes[1]; ok {
		t.Fatal("expected the KILL thread's sole process to have been destroyed")
	}
	if current != survivor {
		t.Fatal("expected the scheduler to dispatch the surviving thread")
	}
}
