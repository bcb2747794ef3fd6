package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/kfmt"
	"github.com/bolthur/kernel-sub005/kernel/mm"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

// HandleDataAbort is invoked by the irq package whenever the CPU traps a
// data abort. faultAddr is the contents of the architectural fault-address
// register (DFAR on short-format VMSA) and writeFault reports whether the
// faulting access was a write, both already decoded by the trap dispatcher
// from the fault-status register.
//
// A data abort is recoverable only when it lands on a page mapped with
// FlagCopyOnWrite: the handler allocates a private frame, copies the shared
// zero-or-parent page into it and re-installs the mapping with FlagRW set
// and FlagCopyOnWrite cleared, so the faulting instruction can be retried.
// Every other cause prints the faulting address and panics; for a fault
// taken in user mode the irq package recovers that panic and kills the
// faulting thread instead.
func HandleDataAbort(ctx *Context, faultAddr uintptr, writeFault bool) {
	f := selectedFormat
	faultPage := mm.PageFromAddress(faultAddr)

	var (
		recovered bool
		handleErr *kernel.Error
	)

	walkErr := ctx.walk(faultPage.Address(), false, func(_ int, entryAddr uintptr) *kernel.Error {
		entry := f.ReadEntry(entryAddr)
		if !writeFault || !f.Present(entry) || f.Writable(entry) || !f.IsCopyOnWrite(entry) {
			return nil
		}

		newFrame, err := mm.AllocFrame()
		if err != nil {
			handleErr = err
			return nil
		}

		tmpPage, err := mapTemporaryFn(newFrame)
		if err != nil {
			handleErr = err
			return nil
		}
		kernel.Memcopy(faultPage.Address(), tmpPage.Address(), mm.PageSize)
		if err = unmapTemporaryFn(tmpPage); err != nil {
			handleErr = err
			return nil
		}

		f.WriteEntry(entryAddr, f.EncodeLeaf(newFrame, MemNormal, FlagRW))
		flushAddressFn(faultPage.Address())
		recovered = true
		return nil
	})

	if walkErr == nil && recovered {
		return
	}

	if handleErr == nil {
		handleErr = errUnrecoverableFault
	}
	nonRecoverableFault(faultAddr, writeFault, handleErr)
}

// HandlePrefetchAbort is invoked by the irq package for the prefetch aborts
// it does not handle itself: irq posts the DEBUG event when a debugger is
// attached and kills the thread for a user-mode abort. debugAttached is not
// consulted here; every prefetch abort that reaches this function prints
// the fault and panics.
func HandlePrefetchAbort(faultAddr uintptr, debugAttached bool) {
	nonRecoverableFault(faultAddr, false, errUnrecoverableFault)
}

func nonRecoverableFault(faultAddr uintptr, writeFault bool, err *kernel.Error) {
	kfmt.Printf("\nData abort while accessing address: 0x%x\nReason: ", faultAddr)
	if writeFault {
		kfmt.Printf("write to unmapped or read-only page")
	} else {
		kfmt.Printf("read from unmapped page")
	}
	kfmt.Printf("\n")
	panic(err)
}
