// Package task implements processes, threads and the priority-bucketed
// scheduler: creation, teardown, the CLEANUP-driven dispatch pass and the
// intra-kernel lock built on top of it. It is the component that ties
// kernel/irq's and kernel/event's late-bound hooks to real behavior, and the
// only caller of kernel/elf and kernel/ipc with a live *vmm.Context.
package task

import (
	"sync/atomic"

	"github.com/bolthur/kernel-sub005/kernel"
)

// ProcessType distinguishes the always-resident kernel process from
// ordinary user processes, mirroring the context kind split in kernel/mm/vmm.
type ProcessType uint8

const (
	// ProcessKernel runs with the kernel's own context and privilege.
	ProcessKernel ProcessType = iota + 1
	// ProcessUser runs in its own context under restricted privilege.
	ProcessUser
)

// ProcessState tracks a process's lifecycle. A process starts READY, is
// marked ACTIVE while one of its threads is the one currently dispatched,
// and is marked KILL and destroyed by the scheduler pass that reaps its last
// thread.
type ProcessState uint8

const (
	ProcessReady ProcessState = iota
	ProcessActive
	ProcessKill
)

// ThreadState is the state of one thread within the scheduling model
// described by spec.md 4.6: READY threads are in dispatch order, ACTIVE is
// the single currently-running thread, WAIT threads are blocked (e.g. on a
// message receive) and excluded from dispatch order but still accounted for
// by their bucket, KILL threads are skipped by dispatch and removed by the
// first scheduler pass that runs while they are the current thread.
type ThreadState uint8

const (
	ThreadReady ThreadState = iota
	ThreadActive
	ThreadWait
	ThreadKill
)

var (
	errNoSuchProcess  = &kernel.Error{Module: "task", Message: "no process with that pid"}
	errNoSuchThread   = &kernel.Error{Module: "task", Message: "no thread with that id"}
	errNameTaken      = &kernel.Error{Module: "task", Message: "process name already registered"}
	errUnknownName    = &kernel.Error{Module: "task", Message: "no process registered under that name"}
	errSpaceExhausted = &kernel.Error{Module: "task", Message: "process user address space exhausted"}
)

// PriorityCount bounds the number of priority buckets the scheduler
// maintains; spec.md leaves the exact count to the implementation, only
// requiring that dispatch always favors the numerically lowest non-empty
// bucket.
const PriorityCount = 8

var nextPID uint64

// generatePID hands out a monotonically increasing, never-reused process
// id, mirroring kernel/heap and kernel/event's use of a package-level
// atomic counter instead of reclaiming retired ids.
func generatePID() uint64 {
	return atomic.AddUint64(&nextPID, 1)
}

var nextTID uint64

func generateTID() uint64 {
	return atomic.AddUint64(&nextTID, 1)
}
