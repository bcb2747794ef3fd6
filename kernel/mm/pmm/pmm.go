// Package pmm implements the kernel's two-phase physical frame allocator.
//
// Boot code first calls Init, which brings up BootMemAllocator (the
// placement phase) and wires it in as mm's frame allocator. Once the
// kernel-half page tables are installed and the heap is ready to be
// initialized, boot code calls Promote, which bootstraps BitmapAllocator
// from the frames the placement allocator has handed out so far and retires
// the placement allocator for good.
package pmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/hal/atags"
	"github.com/bolthur/kernel-sub005/kernel/mm"
)

var (
	// bootMemAllocator is the placement allocator used while the kernel
	// boots, before bitmapAllocator is ready to take over.
	bootMemAllocator BootMemAllocator

	// bitmapAllocator is the allocator used by the kernel once Promote
	// has been called.
	bitmapAllocator BitmapAllocator

	// promoted records whether Promote has already run; it can only
	// happen once per boot.
	promoted bool

	errAlreadyPromoted = &kernel.Error{Module: "pmm", Message: "bitmap allocator already promoted"}
)

// Init sets up the placement allocator and registers it as mm's frame
// allocator. kernelStart/kernelEnd are the virtual addresses bounding the
// loaded kernel image; atagListAddr is the physical address of the atags
// list received from the bootloader (the third of the three boot words).
func Init(kernelStart, kernelEnd, atagListAddr uintptr) {
	atags.SetInfoPtr(atagListAddr)
	bootMemAllocator.init(kernelStart, kernelEnd)
	bootMemAllocator.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)
}

// Promote transitions the kernel from the placement allocator to the bitmap
// allocator. It must be called exactly once, after the kernel-half page
// tables are installed and before the heap is initialized; calling it twice
// is a usage bug and returns an error rather than silently reinitializing
// state that callers may already be relying on.
func Promote() *kernel.Error {
	if promoted {
		return errAlreadyPromoted
	}

	if err := bitmapAllocator.init(); err != nil {
		return err
	}
	mm.SetFrameAllocator(bitmapAllocFrame)
	mm.SetFrameFreer(bitmapFreeFrame)
	promoted = true
	return nil
}

// AllocFrames reserves and returns the first frame of the lowest free run of
// count consecutive frames whose first frame is a multiple of
// alignmentFrames. It is only usable after Promote.
func AllocFrames(count, alignmentFrames uint32) (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrames(count, alignmentFrames)
}

// FreeFrames releases count frames starting at frame back to the bitmap
// allocator. Double-freeing any of them is fatal.
func FreeFrames(frame mm.Frame, count uint32) *kernel.Error {
	return bitmapAllocator.FreeFrames(frame, count)
}

// MarkRangeUsed flags every frame overlapping [addr, addr+size) as reserved
// in the bitmap allocator.
func MarkRangeUsed(addr, size uintptr) {
	bitmapAllocator.MarkRangeUsed(addr, size)
}

// MarkRangeFree flags every frame overlapping [addr, addr+size) as free in
// the bitmap allocator.
func MarkRangeFree(addr, size uintptr) {
	bitmapAllocator.MarkRangeFree(addr, size)
}

func earlyAllocFrame() (mm.Frame, *kernel.Error) {
	return bootMemAllocator.AllocFrame()
}

func bitmapAllocFrame() (mm.Frame, *kernel.Error) {
	return bitmapAllocator.AllocFrame()
}

func bitmapFreeFrame(frame mm.Frame) *kernel.Error {
	return bitmapAllocator.FreeFrame(frame)
}
