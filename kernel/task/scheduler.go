package task

import (
	"github.com/bolthur/kernel-sub005/kernel/cpu"
	"github.com/bolthur/kernel-sub005/kernel/event"
	"github.com/bolthur/kernel-sub005/kernel/irq"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
)

// buckets holds, for each priority, the threads currently known to the
// scheduler in dispatch order; lastDispatched is the round-robin cursor
// into each bucket, advanced by one slot every time that bucket is chosen.
var (
	buckets        [PriorityCount][]*Thread
	lastDispatched [PriorityCount]int

	current *Thread
)

// activateContextFn is indirected so tests can exercise a process switch
// without a live *vmm.Context, whose Activate ultimately calls down to an
// arch-specific assembly primitive unavailable on a host test process.
var activateContextFn = func(ctx *vmm.Context) { ctx.Activate() }

func scheduleInsert(t *Thread) {
	buckets[t.Priority] = append(buckets[t.Priority], t)
}

func bucketIndexOf(bucket []*Thread, t *Thread) int {
	for i, th := range bucket {
		if th == t {
			return i
		}
	}
	return -1
}

func removeFromBucket(t *Thread) {
	bucket := buckets[t.Priority]
	if i := bucketIndexOf(bucket, t); i >= 0 {
		buckets[t.Priority] = append(bucket[:i], bucket[i+1:]...)
		if lastDispatched[t.Priority] > i {
			lastDispatched[t.Priority]--
		}
	}
}

// pickNext implements spec.md 4.6 steps 3-4: the highest-priority bucket
// with a READY thread, round-robin within it.
func pickNext() *Thread {
	for p := 0; p < PriorityCount; p++ {
		bucket := buckets[p]
		n := len(bucket)
		if n == 0 {
			continue
		}
		for step := 0; step < n; step++ {
			idx := (lastDispatched[p] + step) % n
			if bucket[idx].State == ThreadReady {
				lastDispatched[p] = (idx + 1) % n
				return bucket[idx]
			}
		}
	}
	return nil
}

// Schedule runs one scheduler pass: reap a KILL current thread (and its
// process if it was the last thread), pick the next READY thread, and
// transplant register/frame state so the ordinary trap-return path resumes
// whichever thread was picked. It is installed as irq's scheduler tick via
// this package's init, so it runs at the tail of every trap.
func Schedule(regs *irq.Registers, frame *irq.Frame) {
	managerMutex.Acquire()
	defer managerMutex.Release()

	if current != nil {
		current.Regs = *regs
		current.Frame = *frame

		if current.State == ThreadKill {
			reapThreadLocked(current)
		} else if current.State == ThreadActive {
			current.State = ThreadReady
		}
	}

	next := pickNext()
	if next == nil {
		current = nil
		cpu.Halt()
		return
	}

	if current == nil || current.Process != next.Process {
		activateContextFn(next.Process.Context)
	}

	next.State = ThreadActive
	next.Process.State = ProcessActive
	*regs = next.Regs
	*frame = next.Frame
	current = next
}

// reapThreadLocked removes a KILL thread from its bucket and, if it was its
// process's last thread, marks the process KILL, switches to the kernel
// context (the dying process's own context is still the active one) and
// destroys the process. Caller must hold managerMutex.
func reapThreadLocked(t *Thread) {
	removeFromBucket(t)
	destroyThreadLocked(t)

	if len(t.Process.threads) == 0 {
		t.Process.State = ProcessKill
		activateContextFn(vmm.KernelContext())
		destroyProcessLocked(t.Process)
	}
}

// Yield implements spec.md 4.6's cooperative yield: enqueue CLEANUP so the
// next trap-drain runs a scheduler pass. It does not itself block; the
// calling thread simply runs until that pass selects someone else.
func Yield() {
	event.Enqueue(event.Cleanup, event.OriginKernel)
}

// CurrentThread returns the thread presently marked ACTIVE, or nil before
// the first scheduler pass has run.
func CurrentThread() *Thread {
	managerMutex.Acquire()
	defer managerMutex.Release()
	return current
}

func activeUserContext() *vmm.Context {
	if current == nil {
		return vmm.KernelContext()
	}
	return current.Process.Context
}

// killCurrentThread marks the thread that was running when an unrecoverable
// user-mode fault occurred as KILL; the scheduler tick that runs right
// after reaps it instead of the whole kernel panicking, per spec.md's
// "user data-abort becomes a thread kill" redesign.
func killCurrentThread() {
	managerMutex.Acquire()
	if current != nil {
		current.State = ThreadKill
	}
	managerMutex.Release()
}

// pcInAnyKernelStack reports whether pc falls within a live thread's kernel
// stack: a deliberately simple linear scan over every known thread, since
// this kernel tracks at most a handful of threads at a time.
func pcInAnyKernelStack(pc uintptr) bool {
	managerMutex.Acquire()
	defer managerMutex.Release()
	for _, proc := range processes {
		for _, t := range proc.threads {
			if pc >= t.kernelStack && pc < t.kernelStackTop {
				return true
			}
		}
	}
	return false
}

func init() {
	irq.SetSchedulerTick(Schedule)
	irq.SetActiveUserContext(activeUserContext)
	irq.SetThreadKiller(killCurrentThread)
	irq.SetKernelStackRangeCheck(pcInAnyKernelStack)
}
