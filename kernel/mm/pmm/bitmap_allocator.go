package pmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/hal/atags"
	"github.com/bolthur/kernel-sub005/kernel/kfmt"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
	"github.com/bolthur/kernel-sub005/kernel/sync"
	"reflect"
	"unsafe"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	reserveRegionFn = vmm.EarlyReserveRegion
	mapFn           = mapMetadataPage
)

// mapMetadataPage maps frame at page in the kernel context, writable and
// non-executable. It is the production implementation of mapFn.
func mapMetadataPage(page mm.Page, frame mm.Frame) *kernel.Error {
	return vmm.KernelContext().Map(page, frame, vmm.MemNormal, vmm.FlagRW|vmm.FlagNoExecute)
}

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks the free/reserved state of a contiguous run of frames
// drawn from a single atags memory region using one bit per frame.
type framePool struct {
	// startFrame is the frame number of the first page in this pool; free
	// bitmap bit i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame is the last frame covered by this pool (inclusive).
	endFrame mm.Frame

	// freeCount lets AllocFrames skip fully reserved pools without
	// scanning their bitmap.
	freeCount uint32

	// freeBitmap tracks reserved (1) / free (0) pages in the pool.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements the bitmap allocation phase of the physical
// allocator: it tracks frame reservations across the memory pools reported
// by the atags list using at most one bit per 4KiB frame, picked first-fit
// by a linear scan over pools and then over frames within a pool.
type BitmapAllocator struct {
	mutex sync.Spinlock

	// totalPages/reservedPages track aggregate allocator stats.
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates space for the allocator structures using the placement
// allocator and flags the frames it has itself consumed, plus the kernel
// image, as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the placement allocator and vmm's early region
// reservation helper to lay out the pool list and free-bitmap slices inside
// a freshly reserved run of kernel-virtual pages.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		err                 *kernel.Error
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = mm.PageSize - 1
		requiredBitmapBytes uint64
	)

	atags.VisitMemRegions(func(physAddress, length uintptr) bool {
		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := mm.Frame((physAddress + pageSizeMinus1) &^ pageSizeMinus1 >> mm.PageShift)
		regionEndFrame := mm.Frame((physAddress+length)&^pageSizeMinus1>>mm.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame + 1)
		alloc.totalPages += pageCount

		// Round the bit count up to a multiple of 64 so it packs into
		// whole uint64 words.
		requiredBitmapBytes += uint64(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	requiredBytes := (uintptr(alloc.poolsHdr.Len)*sizeofPool + uintptr(requiredBitmapBytes) + pageSizeMinus1) &^ pageSizeMinus1
	requiredPages := requiredBytes >> mm.PageShift
	alloc.poolsHdr.Data, err = reserveRegionFn(requiredBytes)
	if err != nil {
		return err
	}

	for page, index := mm.PageFromAddress(alloc.poolsHdr.Data), uintptr(0); index < requiredPages; page, index = page+1, index+1 {
		nextFrame, err := earlyAllocFrame()
		if err != nil {
			return err
		}

		if err = mapFn(page, nextFrame); err != nil {
			return err
		}

		kernel.Memset(page.Address(), 0, mm.PageSize)
	}

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Second pass: now that the backing pages are mapped and zeroed,
	// slice up the reserved region into each pool's bitmap.
	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	atags.VisitMemRegions(func(physAddress, length uintptr) bool {
		regionStartFrame := mm.Frame((physAddress + pageSizeMinus1) &^ pageSizeMinus1 >> mm.PageShift)
		regionEndFrame := mm.Frame((physAddress+length)&^pageSizeMinus1>>mm.PageShift) - 1
		bitmapBytes := ((uintptr(regionEndFrame-regionStartFrame+1) + 63) &^ 63) >> 3

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame updates the reservation bit for frame. poolIndex < 0 is a no-op,
// letting callers call this unconditionally after a poolForFrame lookup.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame mm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1) << (63 - (relFrame - block<<6))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// poolForFrame returns the index of the pool containing frame, or -1 if
// frame falls outside every known pool (e.g. it points into a reserved,
// non-RAM region never reported by atags).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}
	return -1
}

// reserveKernelFrames marks the frames occupied by the kernel image as
// reserved. The kernel image is assumed to be contiguous and entirely
// contained in one pool.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(bootMemAllocator.kernelStartFrame)
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames decommissions the placement allocator by
// marking every frame it handed out as reserved here. The placement
// allocator does not retain a list of the frames it allocated, only a
// counter, so its internal state is reset and the allocation sequence is
// replayed to recover the exact frame numbers.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := bootMemAllocator.allocCount
	bootMemAllocator.allocCount, bootMemAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := bootMemAllocator.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

// AllocFrame reserves and returns a single physical frame. It is equivalent
// to AllocFrames(1, 1).
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1, 1)
}

// AllocFrames reserves and returns the first frame of the lowest free run of
// count consecutive frames whose first frame is a multiple of
// alignmentFrames, scanning pools and frames in ascending order (first-fit).
func (alloc *BitmapAllocator) AllocFrames(count, alignmentFrames uint32) (mm.Frame, *kernel.Error) {
	if count == 0 {
		count = 1
	}
	if alignmentFrames == 0 {
		alignmentFrames = 1
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < count {
			continue
		}

		for candidate := pool.startFrame; candidate+mm.Frame(count)-1 <= pool.endFrame; candidate++ {
			if uint32(candidate)%alignmentFrames != 0 {
				continue
			}
			if !alloc.runIsFree(poolIndex, candidate, count) {
				continue
			}

			for f := candidate; f < candidate+mm.Frame(count); f++ {
				alloc.markFrame(poolIndex, f, markReserved)
			}
			return candidate, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// runIsFree reports whether the count frames starting at start are all
// currently free within pool poolIndex.
func (alloc *BitmapAllocator) runIsFree(poolIndex int, start mm.Frame, count uint32) bool {
	pool := &alloc.pools[poolIndex]
	for f := start; f < start+mm.Frame(count); f++ {
		relFrame := f - pool.startFrame
		block := relFrame >> 6
		mask := uint64(1) << (63 - (relFrame - block<<6))
		if pool.freeBitmap[block]&mask != 0 {
			return false
		}
	}
	return true
}

// FreeFrame releases a single frame previously allocated via AllocFrame or
// AllocFrames. It is equivalent to FreeFrames(frame, 1).
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.FreeFrames(frame, 1)
}

// FreeFrames releases the count frames starting at frame. Freeing a frame
// not managed by this allocator returns an error; freeing an already-free
// frame (a double free) is a fatal condition, since it always indicates a
// bookkeeping bug in the caller rather than a recoverable race.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, count uint32) *kernel.Error {
	if count == 0 {
		count = 1
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	for f := frame; f < frame+mm.Frame(count); f++ {
		if alloc.runIsFree(poolIndex, f, 1) {
			panic(errBitmapAllocDoubleFree)
		}
	}

	for f := frame; f < frame+mm.Frame(count); f++ {
		alloc.markFrame(poolIndex, f, markFree)
	}
	return nil
}

// MarkRangeUsed flags every frame overlapping [addr, addr+size) as reserved.
// It is used during initialization to carve out the kernel image, the
// initial page tables, MMIO windows, and the ramdisk before general
// allocation begins.
func (alloc *BitmapAllocator) MarkRangeUsed(addr, size uintptr) {
	alloc.markRange(addr, size, markReserved)
}

// MarkRangeFree flags every frame overlapping [addr, addr+size) as free.
func (alloc *BitmapAllocator) MarkRangeFree(addr, size uintptr) {
	alloc.markRange(addr, size, markFree)
}

func (alloc *BitmapAllocator) markRange(addr, size uintptr, flag markAs) {
	if size == 0 {
		return
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	startFrame := mm.FrameFromAddress(addr)
	endFrame := mm.FrameFromAddress(addr + size - 1)
	for f := startFrame; f <= endFrame; f++ {
		alloc.markFrame(alloc.poolForFrame(f), f, flag)
	}
}
