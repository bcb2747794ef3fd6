package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"unsafe"
)

// shortFormat implements the ARMv6+ VMSA "short" descriptor format: a
// two-level radix tree, 4096-entry first-level table (1 MiB section
// granularity) and 256-entry second-level coarse tables (4 KiB page
// granularity). This package only ever uses the coarse-page path so every
// leaf mapping is a 4 KiB page; 1 MiB sections are never produced, keeping
// the format's leaf shape uniform with the long format's finest
// granularity.
type shortFormat struct{}

const (
	shortL1Bits  = 12 // bits [31:20], 4096 first-level entries
	shortL1Shift = 20
	shortL2Bits  = 8 // bits [19:12], 256 second-level entries
	shortL2Shift = 12

	// shortEntryShift is log2(4), the short descriptor size in bytes.
	shortEntryShift = 2

	// Descriptor type field (bits [1:0]) for a first-level entry.
	shortL1TypeFault       = 0x0
	shortL1TypeCoarseTable = 0x1

	// Descriptor type field (bits [1:0]) for a second-level (coarse)
	// entry; 0b10/0b11 both select a small (4 KiB) page, distinguished
	// by the XN (execute-never) bit in bit 0.
	shortL2TypeFault     = 0x0
	shortL2TypeSmallPage = 0x2

	shortAddrMask32 = 0xfffff000

	// Access permissions are APX:AP[1:0], APX at bit 9, AP[1:0] at bits
	// [5:4]. With AP=0b01 only privileged code may access the page;
	// with AP=0b11 both privileged and unprivileged code may. APX=0
	// permits writes, APX=1 forces the access read-only for every mode
	// that can reach the page at all — this is how CoW pages and other
	// read-only mappings are expressed.
	shortAPPrivOnly = 0x1
	shortAPFull     = 0x3
	shortAPShift    = 4
	shortAPXBit     = 1 << 9

	// shortCoWBit repurposes the nG (not-global) bit as a software-only
	// CoW marker. This kernel never uses ASID-tagged TLB entries, so nG
	// has no hardware effect here; every TLB flush is a full flush
	// (cpu.FlushTLBAll) or a single-entry flush by VA, neither of which
	// consults nG.
	shortCoWBit = 1 << 11

	shortFlagXN = 1 << 0 // second-level descriptor: execute never

	// TEX[2:0]:C:B memory-attribute encodings, laid out as bits
	// [8:6]=TEX, [3]=C, [2]=B within the second-level descriptor.
	shortTEXShift = 6
	shortCBit     = 1 << 3
	shortBBit     = 1 << 2
)

func (shortFormat) Name() string { return "short (VMSAv6)" }
func (shortFormat) Levels() int  { return 2 }

func (shortFormat) LevelBits(level int) uint {
	if level == 0 {
		return shortL1Bits
	}
	return shortL2Bits
}

func (shortFormat) LevelShift(level int) uint {
	if level == 0 {
		return shortL1Shift
	}
	return shortL2Shift
}

func (shortFormat) EntryShift(int) uint { return shortEntryShift }

func (f shortFormat) TableEntries(level int) uint { return 1 << f.LevelBits(level) }

func (shortFormat) IsLeafLevel(level int) bool { return level == 1 }

func (shortFormat) EncodeTable(frame mm.Frame) pageTableEntry {
	return pageTableEntry(uint64(frame.Address()&shortAddrMask32) | shortL1TypeCoarseTable)
}

func (shortFormat) EncodeLeaf(frame mm.Frame, memType MemoryType, flags PageTableEntryFlag) pageTableEntry {
	desc := uint64(frame.Address()&shortAddrMask32) | shortL2TypeSmallPage

	ap := uint64(shortAPPrivOnly)
	if flags&FlagUserAccessible != 0 {
		ap = shortAPFull
	}
	desc |= ap << shortAPShift
	if flags&FlagRW == 0 {
		desc |= shortAPXBit
	}
	if flags&FlagCopyOnWrite != 0 {
		desc |= shortCoWBit
	}

	if flags&FlagNoExecute != 0 {
		desc |= shortFlagXN
	}

	tex, c, b := shortMemAttrs(memType)
	desc |= uint64(tex) << shortTEXShift
	if c {
		desc |= shortCBit
	}
	if b {
		desc |= shortBBit
	}

	return pageTableEntry(desc)
}

// shortMemAttrs returns the TEX/C/B triple for a logical memory type, per
// the mapping table fixed at boot for this kernel.
func shortMemAttrs(memType MemoryType) (tex uint8, c, b bool) {
	switch memType {
	case MemNormal:
		return 0b001, true, true
	case MemDevice:
		return 0, false, true
	case MemStronglyOrdered:
		return 0, false, false
	case MemNonCacheable:
		return 0b001, false, false
	default:
		return 0, false, false
	}
}

func (shortFormat) Frame(pte pageTableEntry) mm.Frame {
	return mm.FrameFromAddress(uintptr(uint64(pte) & shortAddrMask32))
}

func (shortFormat) Present(pte pageTableEntry) bool {
	return uint64(pte)&0x3 != shortL1TypeFault
}

func (shortFormat) Writable(pte pageTableEntry) bool {
	return uint64(pte)&shortAPXBit == 0
}

func (shortFormat) UserAccessible(pte pageTableEntry) bool {
	return (uint64(pte)>>shortAPShift)&0x3 == shortAPFull
}

func (shortFormat) IsCopyOnWrite(pte pageTableEntry) bool {
	return uint64(pte)&shortCoWBit != 0
}

func (shortFormat) ClearPresent(pte pageTableEntry) pageTableEntry {
	return pageTableEntry(uint64(pte) &^ 0x3)
}

func (shortFormat) ReadEntry(addr uintptr) pageTableEntry {
	return pageTableEntry(*(*uint32)(unsafe.Pointer(addr)))
}

func (shortFormat) WriteEntry(addr uintptr, pte pageTableEntry) {
	*(*uint32)(unsafe.Pointer(addr)) = uint32(pte)
}
