package pmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/hal/atags"
	"github.com/bolthur/kernel-sub005/kernel/kfmt"
	"github.com/bolthur/kernel-sub005/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// BootMemAllocator implements the placement-phase physical allocator used to
// bootstrap the kernel: frames are handed out from the regions reported by
// the atags memory map in monotonically increasing order and can never be
// freed. Once the kernel-half page tables are installed and before the heap
// is initialized, boot code hands the frames this allocator has reserved
// over to a BitmapAllocator and retires this allocator for good.
type BootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number.
	lastAllocFrame mm.Frame

	// kernelStartFrame/kernelEndFrame bound the frames occupied by the
	// kernel image; AllocFrame skips over them.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state. kernelStart and
// kernelEnd are virtual addresses, but since the kernel runs out of a
// one-to-one (or fixed-offset) mapping of the RAM it occupies, they convert
// directly to the physical frames that AllocFrame must not hand out.
func (alloc *BootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart &^ pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1)&^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame scans the memory regions reported via the atags list and
// reserves the next available free frame, skipping over the frames occupied
// by the kernel image.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	var err = errBootAllocOutOfMemory

	atags.VisitMemRegions(func(physAddress, length uintptr) bool {
		if length < uintptr(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uintptr(mm.PageSize - 1)
		regionStartFrame := mm.Frame((physAddress + pageSizeMinus1) &^ pageSizeMinus1 >> mm.PageShift)
		regionEndFrame := mm.Frame((physAddress+length)&^pageSizeMinus1>>mm.PageShift) - 1

		// Skip over already allocated regions.
		if alloc.lastAllocFrame >= regionEndFrame && alloc.allocCount > 0 {
			return true
		}

		if (alloc.lastAllocFrame <= regionStartFrame && alloc.kernelStartFrame == regionStartFrame) ||
			(alloc.allocCount > 0 && alloc.lastAllocFrame <= regionEndFrame && alloc.lastAllocFrame+1 == alloc.kernelStartFrame) {
			alloc.lastAllocFrame = alloc.kernelEndFrame + 1
		} else if alloc.allocCount == 0 || alloc.lastAllocFrame < regionStartFrame {
			alloc.lastAllocFrame = regionStartFrame
		} else {
			alloc.lastAllocFrame++
		}

		if alloc.lastAllocFrame > regionEndFrame {
			return true
		}

		err = nil
		return false
	})

	if err != nil {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	return alloc.lastAllocFrame, nil
}

// printMemoryMap scans the atags memory regions and prints out the system's
// memory map along with the frames reserved for the kernel image.
func (alloc *BootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree uint64
	atags.VisitMemRegions(func(physAddress, length uintptr) bool {
		kfmt.Printf("\t[0x%x - 0x%x], size: %d\n", physAddress, physAddress+length, length)
		totalFree += uint64(length)
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", totalFree/1024)
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
