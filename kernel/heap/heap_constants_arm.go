package heap

// Hard-coded virtual layout for the kernel heap, taken directly from the
// original project's ELF32 heap header: a fixed window in the upper part of
// the kernel half, grown on demand and never allowed to shrink below
// minSize once it has grown past it.
//
// These are package vars rather than consts, following the project's usual
// test-seam convention, so tests can point the arena at host-backed memory
// instead of an address range that only a running ARM MMU can back.
var (
	// heapStart is the first virtual address the heap may occupy.
	heapStart = uintptr(0xd0000000)

	// heapMax is the last virtual address (inclusive) the heap may grow
	// into.
	heapMax = uintptr(0xdfffffff)

	// minSize is the smallest footprint the heap is shrunk back down to;
	// once grown past it, Free will not release pages that would bring
	// the heap below this size.
	minSize = uintptr(0x4000)

	// growStep is the minimum number of bytes requested from the vmm
	// whenever the heap needs to grow, rounded up to a whole number of
	// pages by growHeap.
	growStep = uintptr(0x4000)
)
