package irq

import "github.com/bolthur/kernel-sub005/kernel"

// MailboxDevice is the external collaborator behind the mailbox_read/write
// syscalls: the Raspberry Pi VideoCore mailbox property interface. It is an
// IRQ-controller-shaped capability in the same sense as Controller (C4
// queries it, never implements the hardware protocol itself), per spec.md
// 6's "mailbox_read/write: platform-specific" syscall table entry.
type MailboxDevice interface {
	// Read blocks until a response is available on channel and returns its
	// 28-bit value.
	Read(channel uint32) (uint32, *kernel.Error)

	// Write posts value to channel.
	Write(channel uint32, value uint32) *kernel.Error
}

var mailbox MailboxDevice

// SetMailboxDevice registers the active mailbox device. Board bring-up code
// calls this once before user processes can reach the mailbox syscalls.
func SetMailboxDevice(m MailboxDevice) { mailbox = m }

func handleMailboxRead(regs *Registers) {
	if mailbox == nil {
		regs.R0 = errBadUserPointer
		return
	}
	value, err := mailbox.Read(regs.R0)
	if err != nil {
		regs.R0 = errBadUserPointer
		return
	}
	regs.R0 = value
}

func handleMailboxWrite(regs *Registers) {
	if mailbox == nil {
		regs.R0 = errBadUserPointer
		return
	}
	if err := mailbox.Write(regs.R0, regs.R1); err != nil {
		regs.R0 = errBadUserPointer
		return
	}
	regs.R0 = 0
}

func init() {
	syscallTable[SyscallMailboxRead] = handleMailboxRead
	syscallTable[SyscallMailboxWrite] = handleMailboxWrite
}
