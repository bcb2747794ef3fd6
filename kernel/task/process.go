package task

import (
	"sync/atomic"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/elf"
	"github.com/bolthur/kernel-sub005/kernel/event"
	"github.com/bolthur/kernel-sub005/kernel/ipc"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
	"github.com/bolthur/kernel-sub005/kernel/sync"
)

// userHalfBase/userHalfTop bound the per-process region CreateProcess's
// stack-slot manager and mmap-style shared-region placement hand addresses
// out of; kernelSplitAddr itself is vmm's internal constant, so a
// conservative, independently-documented ceiling is kept here instead.
const (
	userHalfBase = uintptr(0x00100000)
	userHalfTop  = uintptr(0xb0000000)
)

// Process is one address-space-owning unit of scheduling: one or more
// Threads sharing a Context, an Inbox, a name (optional, for send_by_name)
// and the set of shared-memory regions it currently holds acquired.
type Process struct {
	ID        uint64
	ParentID  uint64
	Type      ProcessType
	State     ProcessState
	Priority  int
	Context   *vmm.Context
	Name      string

	Inbox ipc.Inbox

	threads    map[uint64]*Thread
	stackSlots *stackSlotManager
	userSpace  uintptr // next free address for shared-region placement

	acquired map[string]uintptr // region name -> vaddr, for teardown
}

var (
	managerMutex sync.Spinlock
	processes    = map[uint64]*Process{}
	nameTable    = map[string]uint64{}
)

// lifecycleEvents counts every PROCESS event drained so far: one per
// CreateProcess completion and one per destroyProcessLocked teardown. It
// exists so something in CORE scope actually consumes the PROCESS event
// type spec.md §3 enumerates, rather than leaving it write-only.
var lifecycleEvents uint64

// LifecycleEvents returns the number of process-create/destroy transitions
// observed through the event queue so far.
func LifecycleEvents() uint64 {
	return atomic.LoadUint64(&lifecycleEvents)
}

func recordLifecycleEvent(event.Origin) {
	atomic.AddUint64(&lifecycleEvents, 1)
}

func init() {
	event.Bind(event.Process, recordLifecycleEvent, false)
}

// createContextFn/destroyContextFn/loadImageFn are indirected so tests can
// exercise process/thread bookkeeping without a live *vmm.Context, whose
// creation touches the direct-mapped physical window unavailable on a host
// test process — the same reason kernel/heap and kernel/ipc carry their own
// seams instead of reaching into vmm's private test machinery.
var (
	createContextFn  = vmm.CreateContext
	destroyContextFn = vmm.DestroyContext
	loadImageFn      = elf.Load
)

// CreateProcess implements spec.md 4.6's process_create: generate a pid,
// build a context sharing the kernel half, load image into it, create a
// main thread inheriting priority, and insert that thread into the global
// priority bucket.
func CreateProcess(image []byte, ptype ProcessType, priority int, name string, parentID uint64) (*Process, *kernel.Error) {
	kind := vmm.KindUser
	if ptype == ProcessKernel {
		kind = vmm.KindKernel
	}

	if name != "" {
		managerMutex.Acquire()
		_, taken := nameTable[name]
		managerMutex.Release()
		if taken {
			return nil, errNameTaken
		}
	}

	ctx, err := createContextFn(kind)
	if err != nil {
		return nil, err
	}

	entry, err := loadImageFn(ctx, image)
	if err != nil {
		_ = destroyContextFn(ctx)
		return nil, err
	}

	proc := &Process{
		ID:         generatePID(),
		ParentID:   parentID,
		Type:       ptype,
		State:      ProcessReady,
		Priority:   clampPriority(priority),
		Context:    ctx,
		Name:       name,
		threads:    map[uint64]*Thread{},
		stackSlots: newStackSlotManager(userHalfBase, stackSlotSize),
		userSpace:  userHalfBase + reservedStackRegion,
		acquired:   map[string]uintptr{},
	}

	managerMutex.Acquire()
	if name != "" {
		if _, taken := nameTable[name]; taken {
			managerMutex.Release()
			_ = destroyContextFn(ctx)
			return nil, errNameTaken
		}
		nameTable[name] = proc.ID
	}
	processes[proc.ID] = proc
	managerMutex.Release()

	managerMutex.Acquire()
	_, err = createThreadLocked(proc, entry, priority)
	managerMutex.Release()
	if err != nil {
		managerMutex.Acquire()
		delete(processes, proc.ID)
		delete(nameTable, name)
		managerMutex.Release()
		_ = destroyContextFn(ctx)
		return nil, err
	}

	event.Enqueue(event.Process, event.OriginKernel)

	return proc, nil
}

func clampPriority(priority int) int {
	if priority < 0 {
		return 0
	}
	if priority >= PriorityCount {
		return PriorityCount - 1
	}
	return priority
}

// LookupProcess returns the process registered under pid.
func LookupProcess(pid uint64) (*Process, *kernel.Error) {
	managerMutex.Acquire()
	defer managerMutex.Release()
	proc, ok := processes[pid]
	if !ok {
		return nil, errNoSuchProcess
	}
	return proc, nil
}

// LookupProcessByName resolves a name registered at CreateProcess time to a
// pid, implementing the lookup half of send_by_name.
func LookupProcessByName(name string) (uint64, *kernel.Error) {
	managerMutex.Acquire()
	defer managerMutex.Release()
	pid, ok := nameTable[name]
	if !ok {
		return 0, errUnknownName
	}
	return pid, nil
}

// reserveUserSpace hands out the next free address in proc's user half for
// a mapping of the given size, e.g. a shared-memory acquire. It is a bare
// bump allocator: shared regions are not expected to be released and
// re-acquired often enough within one process to need hole tracking the
// way stack slots do.
func (p *Process) reserveUserSpace(size uintptr) (uintptr, *kernel.Error) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if p.userSpace+size > userHalfTop {
		return 0, errSpaceExhausted
	}
	addr := p.userSpace
	p.userSpace += size
	return addr, nil
}

// destroyProcessLocked frees every resource a KILL process with no threads
// left still owns: its acquired shared regions, its context, and its
// bookkeeping entries. Caller must hold managerMutex.
func destroyProcessLocked(p *Process) {
	for name, vaddr := range p.acquired {
		_ = ipc.ReleaseRegion(p.Context, name, vaddr)
	}
	_ = destroyContextFn(p.Context)
	delete(processes, p.ID)
	if p.Name != "" {
		delete(nameTable, p.Name)
	}

	event.Enqueue(event.Process, event.OriginKernel)
}
