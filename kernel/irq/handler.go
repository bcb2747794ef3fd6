package irq

import "reflect"

// HandlerKind distinguishes the three interrupt classes a source can be
// registered against.
type HandlerKind uint8

const (
	// KindNormal is a regular IRQ source.
	KindNormal HandlerKind = iota
	// KindFast is an FIQ source.
	KindFast
	// KindSoftware is a software-raised interrupt, dispatched the same
	// way as a hardware source but never reported by Controller.Pending.
	KindSoftware
)

// Handler is invoked when its registered source fires.
type Handler func(source uint8)

type handlerKey struct {
	source uint8
	kind   HandlerKind
}

type handlerBlock struct {
	handlers []Handler
	post     []Handler
}

var handlerBlocks = map[handlerKey]*handlerBlock{}

func handlerPtr(h Handler) uintptr {
	return reflect.ValueOf(h).Pointer()
}

func blockFor(key handlerKey) *handlerBlock {
	b, ok := handlerBlocks[key]
	if !ok {
		b = &handlerBlock{}
		handlerBlocks[key] = b
	}
	return b
}

func indexOfHandler(list []Handler, h Handler) int {
	target := handlerPtr(h)
	for i, existing := range list {
		if handlerPtr(existing) == target {
			return i
		}
	}
	return -1
}

// RegisterHandler installs cb to run whenever source fires as a kind
// interrupt. post=true installs cb on the list that runs after every
// primary (non-post) handler for the same source, for stats/logging
// collaborators that must observe every dispatch without altering it.
// RegisterHandler is idempotent on identical (source, kind, cb, post).
func RegisterHandler(source uint8, kind HandlerKind, cb Handler, post bool) bool {
	key := handlerKey{source: source, kind: kind}
	b := blockFor(key)
	list := &b.handlers
	if post {
		list = &b.post
	}
	if indexOfHandler(*list, cb) >= 0 {
		return false
	}
	*list = append(*list, cb)
	return true
}

// UnregisterHandler removes a handler previously installed with
// RegisterHandler for the same (source, kind, post).
func UnregisterHandler(source uint8, kind HandlerKind, cb Handler, post bool) {
	key := handlerKey{source: source, kind: kind}
	b, ok := handlerBlocks[key]
	if !ok {
		return
	}
	list := &b.handlers
	if post {
		list = &b.post
	}
	if i := indexOfHandler(*list, cb); i >= 0 {
		*list = append((*list)[:i], (*list)[i+1:]...)
	}
}

// dispatchSource runs every handler registered for source at the given
// kind, non-post handlers before post handlers, both in registration
// order.
func dispatchSource(source uint8, kind HandlerKind) {
	b, ok := handlerBlocks[handlerKey{source: source, kind: kind}]
	if !ok {
		return
	}
	for _, cb := range b.handlers {
		cb(source)
	}
	for _, cb := range b.post {
		cb(source)
	}
}
