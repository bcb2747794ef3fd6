package task

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/heap"
	"github.com/bolthur/kernel-sub005/kernel/ipc"
)

var errWouldBlock = &kernel.Error{Module: "task", Message: "no matching message and non-blocking receive requested"}

// Send implements spec.md 4.7's send: copy data into freshly heap-allocated
// storage, append an entry to the destination process's inbox, and if a
// thread of that process is waiting on RECEIVE, wake it.
func Send(toPid uint64, msgType uint32, data []byte, requestID uint64, senderPid uint64) (ipc.MessageID, *kernel.Error) {
	dest, err := LookupProcess(toPid)
	if err != nil {
		return 0, err
	}

	var storedData []byte
	if len(data) > 0 {
		stored, allocErr := heap.Allocate(uintptr(len(data)), 1)
		if allocErr != nil {
			return 0, allocErr
		}
		copyBytes(stored, data)
		storedData = ownedSlice(stored, len(data))
	}

	id := ipc.GenerateMessageID()
	entry := ipc.Entry{
		ID:        id,
		Type:      msgType,
		Sender:    senderPid,
		RequestID: requestID,
		Data:      storedData,
	}

	managerMutex.Acquire()
	dest.Inbox.Append(entry)
	managerMutex.Release()

	wakeWaitingReceiver(dest)

	return id, nil
}

// SendByName resolves name to a pid via the name table and delegates to
// Send.
func SendByName(name string, msgType uint32, data []byte, requestID uint64, senderPid uint64) (ipc.MessageID, *kernel.Error) {
	pid, err := LookupProcessByName(name)
	if err != nil {
		return 0, err
	}
	return Send(pid, msgType, data, requestID, senderPid)
}

// Receive implements spec.md 4.7's receive for proc: scan its inbox in FIFO
// order for the first entry matching the given filters. On no match, it
// returns WouldBlock if blocking is false; otherwise it transitions t to
// WAIT and the caller (the SVC handler) must re-drive the syscall once
// Schedule wakes it.
func Receive(proc *Process, t *Thread, typeFilter uint32, hasType bool, requestFilter uint64, hasRequest bool, blocking bool) (ipc.Entry, *kernel.Error) {
	managerMutex.Acquire()
	entry, ok := proc.Inbox.Receive(typeFilter, hasType, requestFilter, hasRequest)
	if ok {
		managerMutex.Release()
		return entry, nil
	}

	if !blocking {
		managerMutex.Release()
		return ipc.Entry{}, errWouldBlock
	}

	t.State = ThreadWait
	managerMutex.Release()

	return ipc.Entry{}, errWouldBlock
}

// wakeWaitingReceiver transitions the first WAIT thread of dest back to
// READY and enqueues CLEANUP, per spec.md 4.7's "transition it to READY and
// enqueue CLEANUP" rule. It does not try to match the thread against the
// message's filters: any WAIT thread of the process may be the one blocked
// on this inbox, and Receive re-checks the filter once rescheduled.
func wakeWaitingReceiver(dest *Process) {
	managerMutex.Acquire()
	var woken *Thread
	for _, t := range dest.threads {
		if t.State == ThreadWait {
			woken = t
			break
		}
	}
	if woken != nil {
		woken.State = ThreadReady
	}
	managerMutex.Release()

	if woken != nil {
		Yield()
	}
}

func copyBytes(dst uintptr, src []byte) {
	if len(src) == 0 {
		return
	}
	out := (*[1 << 30]byte)(unsafe.Pointer(dst))[:len(src):len(src)]
	copy(out, src)
}

// ownedSlice builds a []byte header over heap-owned memory at addr, mirroring
// kernel/irq's handleKernelPuts use of an unsafe array-pointer cast to view a
// raw address range as a slice.
func ownedSlice(addr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return (*[1 << 30]byte)(unsafe.Pointer(addr))[:length:length]
}
