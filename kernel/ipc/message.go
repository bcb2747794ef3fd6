// Package ipc implements the two collaborators spec.md groups under
// messaging & shared memory: per-process message inboxes and named,
// reference-counted shared-memory regions. Neither type knows about
// kernel/task's Process/Thread; both operate on data the caller (kernel/task)
// supplies, the same way the original's shared.h forward-declares
// task_process_t rather than including kernel/task/process.h.
package ipc

import "sync/atomic"

// MessageID uniquely identifies one delivered message, in generation order.
type MessageID uint64

var nextMessageID uint64

// GenerateMessageID returns the next message id. Ids are never reused.
func GenerateMessageID() MessageID {
	return MessageID(atomic.AddUint64(&nextMessageID, 1))
}

// Entry is one message sitting in an Inbox.
type Entry struct {
	ID        MessageID
	Type      uint32
	Sender    uint64
	RequestID uint64
	Data      []byte
}

// Inbox is a process's FIFO message queue. The zero value is an empty inbox
// ready to use.
type Inbox struct {
	entries []Entry
}

// Append adds e to the end of the inbox.
func (b *Inbox) Append(e Entry) {
	b.entries = append(b.entries, e)
}

// Len reports how many messages are currently queued.
func (b *Inbox) Len() int {
	return len(b.entries)
}

// Receive scans the inbox in FIFO order for the first entry matching
// typeFilter/requestFilter (either check is skipped when its hasX flag is
// false) and removes it on match, exactly as spec.md's receive() describes.
func (b *Inbox) Receive(typeFilter uint32, hasType bool, requestFilter uint64, hasRequest bool) (Entry, bool) {
	for i, e := range b.entries {
		if hasType && e.Type != typeFilter {
			continue
		}
		if hasRequest && e.RequestID != requestFilter {
			continue
		}
		b.entries = append(b.entries[:i], b.entries[i+1:]...)
		return e, true
	}
	return Entry{}, false
}
