package vmm

import "github.com/bolthur/kernel-sub005/kernel/mm"

// MemoryType describes the cacheability/shareability attributes applied to
// a mapping. The logical types are identical across formats; each Format
// translates them to its own hardware attribute bits.
type MemoryType uint8

const (
	// MemNormal is normal, write-back write-allocate cacheable memory.
	// Used for RAM backing kernel and user mappings.
	MemNormal MemoryType = iota

	// MemDevice is device memory (nGnRE on the long format): not
	// cacheable, accesses are not reordered or merged.
	MemDevice

	// MemStronglyOrdered forbids reordering, merging and buffering of
	// accesses. Used for MMIO windows that are sensitive to access
	// ordering (e.g. the interrupt controller or the mailbox).
	MemStronglyOrdered

	// MemNonCacheable is normal memory with caching disabled.
	MemNonCacheable
)

// pageTableEntry is a raw hardware page table descriptor. Its width and bit
// layout depend on the active Format: the short format packs descriptors
// into 32 bits, the long (LPAE) format uses 64-bit descriptors even though
// the system remains a 32-bit machine. uint64 comfortably holds either.
type pageTableEntry uint64

// Format abstracts over the two page-table descriptor layouts a core can
// use: the ARMv6+ short (VMSAv6) format and the ARMv7 LPAE long format.
// Both are two-level-or-more radix trees keyed by successive bit-fields of
// the virtual address; Format exposes just enough of each layout's shape
// for the generic walk/map/unmap code in context.go to stay
// format-agnostic.
type Format interface {
	// Name identifies the format for diagnostics.
	Name() string

	// Levels returns the number of page-table levels, the root level
	// included.
	Levels() int

	// LevelBits returns the number of virtual-address bits consumed by
	// the index at the given level (0 is the root level).
	LevelBits(level int) uint

	// LevelShift returns the bit position of the least-significant bit
	// of the index at the given level.
	LevelShift(level int) uint

	// EntryShift returns log2(size in bytes) of one table entry at the
	// given level; used to compute byte offsets from entry indices.
	EntryShift(level int) uint

	// TableEntries returns the number of entries in a table at the
	// given level; equal to 1 << LevelBits(level).
	TableEntries(level int) uint

	// IsLeafLevel returns true if entries at this level point to a
	// physical frame rather than to the next level's table.
	IsLeafLevel(level int) bool

	// EncodeTable builds a descriptor pointing at the next-level table
	// stored in frame.
	EncodeTable(frame mm.Frame) pageTableEntry

	// EncodeLeaf builds a leaf descriptor pointing at frame with the
	// given logical flags and memory type.
	EncodeLeaf(frame mm.Frame, memType MemoryType, flags PageTableEntryFlag) pageTableEntry

	// Frame extracts the physical frame a descriptor (table or leaf)
	// points to.
	Frame(pte pageTableEntry) mm.Frame

	// Present reports whether the descriptor is marked valid.
	Present(pte pageTableEntry) bool

	// Writable reports whether a leaf descriptor permits writes.
	Writable(pte pageTableEntry) bool

	// UserAccessible reports whether a leaf descriptor is accessible
	// from unprivileged mode.
	UserAccessible(pte pageTableEntry) bool

	// IsCopyOnWrite reports whether FlagCopyOnWrite was set when the
	// leaf descriptor was encoded. Both formats carry this in a bit the
	// MMU itself ignores, since CoW is a purely software convention:
	// the descriptor is otherwise an ordinary read-only mapping.
	IsCopyOnWrite(pte pageTableEntry) bool

	// ClearPresent marks a descriptor invalid without disturbing its
	// other bits (used by Unmap, which may later need the frame number
	// for bookkeeping).
	ClearPresent(pte pageTableEntry) pageTableEntry

	// ReadEntry reads the raw descriptor stored at addr. The in-memory
	// width (4 bytes for the short format, 8 for the long format)
	// differs from pageTableEntry's uint64 representation, so this
	// indirection is required wherever a descriptor is read from a
	// table page.
	ReadEntry(addr uintptr) pageTableEntry

	// WriteEntry stores pte at addr using the format's in-memory width.
	WriteEntry(addr uintptr, pte pageTableEntry)
}

// selectedFormat is chosen once at boot by Init and held for the life of
// the system; the two implementations are otherwise independent and never
// consulted together.
var selectedFormat Format

// ActiveFormat returns the Format chosen at boot.
func ActiveFormat() Format { return selectedFormat }
