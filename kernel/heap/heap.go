// Package heap implements the kernel's singleton, lazily-initialized,
// demand-growing allocator: a fixed virtual window grown in page-sized
// increments by mapping freshly allocated frames through kernel/mm/vmm,
// carved up by a first-fit implicit free list with guard-word headers.
//
// Before kernel/mm/vmm is ready, callers that need memory (vmm's own
// bootstrap structures, for instance) use AllocatePlacement, which delegates
// directly to kernel/mm's registered placement-phase frame allocator;
// calling it again once VMM is marked ready is a usage bug and panics,
// mirroring the teacher's goruntime.sysReserve/sysMap "reserve then map
// lazily" pattern but made explicit and heap-shaped instead of bootstrapping
// the Go runtime's own allocator, since this kernel has none to bootstrap.
package heap

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
	"github.com/bolthur/kernel-sub005/kernel/sync"
)

const blockMagic = 0x48454150 // "HEAP"

var (
	errOutOfMemory            = &kernel.Error{Module: "heap", Message: "out of memory"}
	errCorruptHeader          = &kernel.Error{Module: "heap", Message: "heap corruption detected"}
	errPlacementAfterVMMReady = &kernel.Error{Module: "heap", Message: "placement allocation invoked after virtual memory is initialized"}
	errInvalidAlignment       = &kernel.Error{Module: "heap", Message: "alignment must be a power of two"}
)

// blockHeader precedes every block (free or allocated) in the arena.
// capacity is the number of usable bytes between the end of this header and
// the start of the next block; requested is the byte count the caller of
// Allocate asked for and is what AllocatedLength/Reallocate report back,
// satisfying the round-trip invariant regardless of alignment padding.
type blockHeader struct {
	magic     uint32
	capacity  uintptr
	requested uintptr
	free      bool
}

var hdrSize = unsafe.Sizeof(blockHeader{})
var wordSize = unsafe.Sizeof(uintptr(0))

// minSplitCapacity is the smallest remainder worth carving into its own
// free block when an allocation only partially consumes a free block;
// smaller remainders are left as internal fragmentation instead.
var minSplitCapacity = hdrSize + 4*wordSize

type heapState struct {
	mutex       sync.Spinlock
	initialized bool
	arenaEnd    uintptr // one past the last byte currently backed by real pages
}

var (
	theHeap heapState

	// vmmReady is flipped by MarkVMMReady once kernel/mm/vmm has been
	// initialized; AllocatePlacement becomes a usage bug from that point
	// on.
	vmmReady bool
)

// MarkVMMReady records that kernel/mm/vmm is initialized and the heap
// proper may now be used; it must be called exactly once, by the same boot
// code that calls vmm.Init.
func MarkVMMReady() {
	vmmReady = true
}

// AllocatePlacement returns one physical frame's worth of memory directly
// from the placement-phase allocator, for use by bootstrap code that must
// allocate before kernel/mm/vmm exists. It is fatal to call this after
// MarkVMMReady.
func AllocatePlacement() (uintptr, *kernel.Error) {
	if vmmReady {
		panic(errPlacementAfterVMMReady)
	}
	frame, err := mm.AllocFrame()
	if err != nil {
		return 0, err
	}
	return frame.Address(), nil
}

// The following functions are mocked by tests: they are the only points
// where the arena logic touches kernel/mm/vmm, so a test can substitute
// host-backed memory without a real MMU underneath it.
var (
	mapGrowthPageFn      = mapGrowthPage
	unmapPageFn          = unmapPage
	resolveIsZeroFrameFn = resolveIsZeroFrame
)

// mapGrowthPage installs a lazily-backed, zero-filled, copy-on-write
// mapping for page, exactly the pattern ReservedZeroedFrame exists for: no
// physical memory is actually consumed until something writes to the page.
func mapGrowthPage(page mm.Page) *kernel.Error {
	return vmm.KernelContext().Map(page, vmm.ReservedZeroedFrame, vmm.MemNormal, vmm.FlagNoExecute|vmm.FlagCopyOnWrite)
}

func unmapPage(page mm.Page, freeFrame bool) *kernel.Error {
	return vmm.KernelContext().Unmap(page, freeFrame)
}

// resolveIsZeroFrame reports whether page is still backed by the shared CoW
// zero frame, i.e. it was never actually written to since growHeap mapped
// it.
func resolveIsZeroFrame(page mm.Page) bool {
	physAddr, err := vmm.KernelContext().Resolve(page.Address())
	return err == nil && mm.FrameFromAddress(physAddr) == vmm.ReservedZeroedFrame
}

func header(addr uintptr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(addr))
}

func dataStart(blockAddr uintptr) uintptr {
	return blockAddr + hdrSize
}

// Allocate reserves size bytes aligned to alignment (which must be a power
// of two) and returns a pointer to the start of the usable region.
func Allocate(size, alignment uintptr) (uintptr, *kernel.Error) {
	if alignment == 0 {
		alignment = wordSize
	}
	if alignment&(alignment-1) != 0 {
		return 0, errInvalidAlignment
	}

	theHeap.mutex.Acquire()
	defer theHeap.mutex.Release()

	if !theHeap.initialized {
		theHeap.arenaEnd = heapStart
		theHeap.initialized = true
	}

	// Every allocation reserves one extra word up front for the
	// back-pointer to its header, so Free/Reallocate can locate the
	// header regardless of how much alignment padding precedes the
	// returned pointer.
	needed := wordSize + (alignment - 1) + size

	blockAddr, err := theHeap.findOrGrow(needed)
	if err != nil {
		return 0, err
	}

	hdr := header(blockAddr)
	theHeap.maybeSplit(blockAddr, needed)
	hdr.free = false
	hdr.requested = size

	base := dataStart(blockAddr)
	rawPtr := base + wordSize
	aligned := (rawPtr + alignment - 1) &^ (alignment - 1)
	*(*uintptr)(unsafe.Pointer(aligned - wordSize)) = blockAddr

	return aligned, nil
}

// findOrGrow scans the arena for the first free block with capacity >=
// needed, growing the arena via growHeap when none is found.
func (h *heapState) findOrGrow(needed uintptr) (uintptr, *kernel.Error) {
	for {
		if addr, ok := h.firstFit(needed); ok {
			return addr, nil
		}
		if err := h.growHeap(needed); err != nil {
			return 0, err
		}
	}
}

func (h *heapState) firstFit(needed uintptr) (uintptr, bool) {
	addr := heapStart
	for addr < h.arenaEnd {
		hdr := header(addr)
		if hdr.free && hdr.capacity >= needed {
			return addr, true
		}
		addr = dataStart(addr) + hdr.capacity
	}
	return 0, false
}

// maybeSplit splits the free block at blockAddr so that only `needed` bytes
// remain in it, turning the remainder into a new free block, provided the
// remainder is large enough to be worth tracking separately.
func (h *heapState) maybeSplit(blockAddr uintptr, needed uintptr) {
	hdr := header(blockAddr)
	remainder := hdr.capacity - needed
	if remainder < minSplitCapacity {
		return
	}

	newBlockAddr := dataStart(blockAddr) + needed
	newHdr := header(newBlockAddr)
	newHdr.magic = blockMagic
	newHdr.capacity = remainder - hdrSize
	newHdr.free = true
	newHdr.requested = 0

	hdr.capacity = needed
}

// growHeap maps growStep-or-more bytes (rounded up to whole pages) starting
// at the current arena end as a fresh, lazily-backed CoW-zero region and
// turns it into one new free block, merging it with a free tail block if
// one exists.
func (h *heapState) growHeap(atLeast uintptr) *kernel.Error {
	grow := growStep
	if atLeast+hdrSize > grow {
		grow = atLeast + hdrSize
	}
	grow = (grow + mm.PageSize - 1) &^ (mm.PageSize - 1)

	if h.arenaEnd+grow-1 > heapMax {
		return errOutOfMemory
	}

	startPage := mm.PageFromAddress(h.arenaEnd)
	pageCount := grow >> mm.PageShift
	for page := startPage; pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := mapGrowthPageFn(page); err != nil {
			return err
		}
	}

	newBlockAddr := h.arenaEnd
	h.arenaEnd += grow

	if tailAddr, ok := h.tailBlock(newBlockAddr); ok && header(tailAddr).free {
		header(tailAddr).capacity += grow
		return nil
	}

	hdr := header(newBlockAddr)
	hdr.magic = blockMagic
	hdr.capacity = grow - hdrSize
	hdr.free = true
	hdr.requested = 0
	return nil
}

// tailBlock returns the address of the block immediately preceding
// boundaryAddr, if any block exists in the arena at all.
func (h *heapState) tailBlock(boundaryAddr uintptr) (uintptr, bool) {
	addr := heapStart
	last := uintptr(0)
	found := false
	for addr < boundaryAddr {
		last = addr
		found = true
		addr = dataStart(addr) + header(addr).capacity
	}
	return last, found
}

// Free reclaims the block backing ptr, coalesces it with any physically
// adjacent free blocks and, once an entire page-aligned extent at the tail
// of the arena is free and the heap is above minSize, returns those pages
// to vmm/pmm.
func Free(ptr uintptr) {
	theHeap.mutex.Acquire()
	defer theHeap.mutex.Release()

	blockAddr := *(*uintptr)(unsafe.Pointer(ptr - wordSize))
	hdr := header(blockAddr)
	if hdr.magic != blockMagic {
		panic(errCorruptHeader)
	}
	if hdr.free {
		panic(errCorruptHeader)
	}
	hdr.free = true

	theHeap.coalesce()
	theHeap.shrinkTail()
}

// coalesce performs a single linear pass merging every run of consecutive
// free blocks into one.
func (h *heapState) coalesce() {
	addr := heapStart
	for addr < h.arenaEnd {
		hdr := header(addr)
		if !hdr.free {
			addr = dataStart(addr) + hdr.capacity
			continue
		}

		next := dataStart(addr) + hdr.capacity
		for next < h.arenaEnd && header(next).free {
			nextHdr := header(next)
			hdr.capacity += hdrSize + nextHdr.capacity
			next = dataStart(addr) + hdr.capacity
		}
		addr = next
	}
}

// shrinkTail releases whole pages at the end of the arena back to vmm/pmm
// when the final block is free, releasing no more than keeps the heap at
// minSize or above.
func (h *heapState) shrinkTail() {
	tailAddr, ok := h.tailBlock(h.arenaEnd)
	if !ok || !header(tailAddr).free {
		return
	}
	if h.arenaEnd-heapStart <= minSize {
		return
	}

	tailHdr := header(tailAddr)
	blockDataEnd := dataStart(tailAddr) + tailHdr.capacity

	reclaimStart := (dataStart(tailAddr) + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if reclaimStart >= blockDataEnd {
		return
	}
	reclaimBytes := blockDataEnd - reclaimStart
	if h.arenaEnd-heapStart-reclaimBytes < minSize {
		reclaimBytes = h.arenaEnd - heapStart - minSize
		reclaimStart = blockDataEnd - reclaimBytes
	}

	pageCount := reclaimBytes >> mm.PageShift
	for page := mm.PageFromAddress(reclaimStart); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		// A grown page that was never written still points at the
		// shared CoW zero frame; freeing that frame here would
		// corrupt every other lazily-backed mapping in the kernel,
		// so only ask Unmap to free frames actually private to this
		// page.
		_ = unmapPageFn(page, !resolveIsZeroFrameFn(page))
	}

	tailHdr.capacity -= reclaimBytes
	h.arenaEnd -= reclaimBytes
}

// AllocatedLength returns the size originally requested via Allocate for
// the block backing ptr.
func AllocatedLength(ptr uintptr) uintptr {
	blockAddr := *(*uintptr)(unsafe.Pointer(ptr - wordSize))
	return header(blockAddr).requested
}

// Reallocate allocates a new block of newSize bytes, copies
// min(oldSize, newSize) bytes from ptr and frees the old block.
func Reallocate(ptr uintptr, newSize uintptr) (uintptr, *kernel.Error) {
	oldSize := AllocatedLength(ptr)

	newPtr, err := Allocate(newSize, wordSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	if copySize > 0 {
		kernel.Memcopy(ptr, newPtr, copySize)
	}
	Free(ptr)
	return newPtr, nil
}
