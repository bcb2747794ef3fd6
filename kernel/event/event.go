// Package event implements the fan-in queue between interrupt context
// (producer) and the scheduler (consumer): two FIFOs keyed on the origin of
// the trap that raised the event, and a registry of handlers per event type
// that kernel/irq drains at the tail of every trap return.
package event

import (
	"reflect"

	"github.com/bolthur/kernel-sub005/kernel/sync"
)

// Type identifies one of the fixed set of event kinds the queue carries.
type Type uint8

const (
	// Timer fires on every periodic timer tick.
	Timer Type = iota + 1
	// Serial fires on UART activity.
	Serial
	// Debug fires on a debug exception with a debugger attached.
	Debug
	// Cleanup fires on the tail of every trap return and drives one
	// scheduler pass.
	Cleanup
	// Process fires when a process is created or torn down, letting
	// kernel/task's own lifecycle bookkeeping (and any future consumer,
	// e.g. an init-process supervisor) observe transitions it did not
	// itself trigger synchronously.
	Process
)

// Origin records which privilege level was executing when an event was
// raised, so handlers can decide whether resumption targets user or kernel
// context.
type Origin uint8

const (
	// OriginKernel marks an event raised while the CPU was in a
	// kernel-privileged mode.
	OriginKernel Origin = iota + 1
	// OriginUser marks an event raised while the CPU was in user mode.
	OriginUser
)

// Callback receives the origin of the event being delivered.
type Callback func(Origin)

// block holds the two ordered handler lists for one event type: handlers
// run in registration order, and every non-post handler runs before every
// post handler, mirroring the original project's separate handler/post
// lists per event_block_t.
type block struct {
	handlers []Callback
	post     []Callback
}

var (
	mutex sync.Spinlock

	blocks = map[Type]*block{}

	kernelQueue []queued
	userQueue   []queued

	// SchedulerPassFn is invoked once at the end of every Drain call,
	// regardless of how many events were pending, satisfying the
	// "guarantees at least one scheduler pass before resumption"
	// contract. kernel/task installs the real scheduler entry point; it
	// cannot be imported directly here without an import cycle (task
	// depends on event, not the reverse).
	SchedulerPassFn func()
)

type queued struct {
	typ    Type
	origin Origin
}

func callbackPtr(cb Callback) uintptr {
	return reflect.ValueOf(cb).Pointer()
}

func blockFor(t Type) *block {
	b, ok := blocks[t]
	if !ok {
		b = &block{}
		blocks[t] = b
	}
	return b
}

func indexOf(list []Callback, cb Callback) int {
	target := callbackPtr(cb)
	for i, existing := range list {
		if callbackPtr(existing) == target {
			return i
		}
	}
	return -1
}

// Bind registers cb to run whenever an event of type t is drained. post
// selects which of the two ordered lists cb is appended to. Bind is
// idempotent: binding the same (type, callback, post) triple again is a
// no-op and reports false.
func Bind(t Type, cb Callback, post bool) bool {
	mutex.Acquire()
	defer mutex.Release()

	b := blockFor(t)
	list := &b.handlers
	if post {
		list = &b.post
	}
	if indexOf(*list, cb) >= 0 {
		return false
	}
	*list = append(*list, cb)
	return true
}

// Unbind removes a callback previously registered with Bind for the same
// (type, post) pair. Unbinding a callback that was never bound is a no-op.
func Unbind(t Type, cb Callback, post bool) {
	mutex.Acquire()
	defer mutex.Release()

	b, ok := blocks[t]
	if !ok {
		return
	}
	list := &b.handlers
	if post {
		list = &b.post
	}
	if i := indexOf(*list, cb); i >= 0 {
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
}

// Enqueue appends an event to the FIFO matching origin. It is safe to call
// from interrupt context.
func Enqueue(t Type, origin Origin) {
	mutex.Acquire()
	defer mutex.Release()

	q := &userQueue
	if origin == OriginKernel {
		q = &kernelQueue
	}
	*q = append(*q, queued{typ: t, origin: origin})
}

// Drain runs every handler bound to each pending event, kernel-origin FIFO
// first, then user-origin, clearing both queues, and finally invokes
// SchedulerPassFn exactly once. It is called once at the tail of every trap
// return.
func Drain() {
	mutex.Acquire()
	pending := make([]queued, 0, len(kernelQueue)+len(userQueue))
	pending = append(pending, kernelQueue...)
	pending = append(pending, userQueue...)
	kernelQueue = kernelQueue[:0]
	userQueue = userQueue[:0]
	mutex.Release()

	for _, ev := range pending {
		dispatch(ev)
	}

	if SchedulerPassFn != nil {
		SchedulerPassFn()
	}
}

func dispatch(ev queued) {
	mutex.Acquire()
	b, ok := blocks[ev.typ]
	var handlers, post []Callback
	if ok {
		handlers = append([]Callback(nil), b.handlers...)
		post = append([]Callback(nil), b.post...)
	}
	mutex.Release()

	for _, cb := range handlers {
		cb(ev.origin)
	}
	for _, cb := range post {
		cb(ev.origin)
	}
}
