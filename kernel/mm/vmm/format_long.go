package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"unsafe"
)

// longFormat implements the ARMv7 LPAE "long" descriptor format: a
// three-level radix tree over a 32-bit virtual address, 4-entry root table
// (1 GiB per entry), 512-entry second-level tables (2 MiB per entry) and
// 512-entry third-level tables (4 KiB pages). Like shortFormat, this
// package always maps through to the 4 KiB leaf level.
type longFormat struct{}

const (
	longL0Bits  = 2 // bits [31:30], 4 root entries covering 4 GiB
	longL0Shift = 30
	longL1Bits  = 9 // bits [29:21], 512 entries, 2 MiB each
	longL1Shift = 21
	longL2Bits  = 9 // bits [20:12], 512 entries, 4 KiB each
	longL2Shift = 12

	// longEntryShift is log2(8), the long descriptor size in bytes.
	longEntryShift = 3

	longAddrMask40 = 0x000000fffffff000

	longDescValid = 1 << 0
	longDescTable = 1 << 1 // set on table (non-leaf) descriptors
	// at the final level this bit must also be set; LPAE page
	// descriptors and table descriptors share encoding [1]=1.

	longAttrIdxShift = 2 // AttrIndx[2:0] selects an MAIR entry

	// AP[2:1], packed at bits [7:6]: AP[1] (bit 6) grants unprivileged
	// access when set, AP[2] (bit 7) makes the mapping read-only when
	// set. Both are 0 for a kernel-only, writable mapping.
	longAPShift  = 6
	longAPUser   = 1 << 0
	longAPRdOnly = 1 << 1

	longPXN = 1 << 53
	longXN  = 1 << 54

	// longCoWBit uses one of the descriptor's software-defined bits
	// ([58:55], ignored by the translation hardware) as a CoW marker.
	longCoWBit = 1 << 55
)

func (longFormat) Name() string { return "long (LPAE)" }
func (longFormat) Levels() int  { return 3 }

func (longFormat) LevelBits(level int) uint {
	switch level {
	case 0:
		return longL0Bits
	case 1:
		return longL1Bits
	default:
		return longL2Bits
	}
}

func (longFormat) LevelShift(level int) uint {
	switch level {
	case 0:
		return longL0Shift
	case 1:
		return longL1Shift
	default:
		return longL2Shift
	}
}

func (longFormat) EntryShift(int) uint { return longEntryShift }

func (f longFormat) TableEntries(level int) uint { return 1 << f.LevelBits(level) }

func (longFormat) IsLeafLevel(level int) bool { return level == 2 }

func (longFormat) EncodeTable(frame mm.Frame) pageTableEntry {
	return pageTableEntry(uint64(frame.Address())&longAddrMask40 | longDescValid | longDescTable)
}

func (longFormat) EncodeLeaf(frame mm.Frame, memType MemoryType, flags PageTableEntryFlag) pageTableEntry {
	desc := uint64(frame.Address())&longAddrMask40 | longDescValid | longDescTable

	var ap uint64
	if flags&FlagUserAccessible != 0 {
		ap |= longAPUser
	}
	if flags&FlagRW == 0 {
		ap |= longAPRdOnly
	}
	desc |= ap << longAPShift

	if flags&FlagNoExecute != 0 {
		desc |= longXN | longPXN
	}
	if flags&FlagCopyOnWrite != 0 {
		desc |= longCoWBit
	}

	desc |= uint64(longMemAttrIndex(memType)) << longAttrIdxShift

	return pageTableEntry(desc)
}

// longMemAttrIndex returns the MAIR_ELx index programmed at boot for each
// logical memory type, per the mapping table fixed for this kernel:
// index 0 normal write-back write-allocate, 1 device-nGnRE, 2 strongly
// ordered, 3 normal non-cacheable.
func longMemAttrIndex(memType MemoryType) uint8 {
	switch memType {
	case MemNormal:
		return 0
	case MemDevice:
		return 1
	case MemStronglyOrdered:
		return 2
	case MemNonCacheable:
		return 3
	default:
		return 2
	}
}

func (longFormat) Frame(pte pageTableEntry) mm.Frame {
	return mm.FrameFromAddress(uintptr(uint64(pte) & longAddrMask40))
}

func (longFormat) Present(pte pageTableEntry) bool {
	return uint64(pte)&longDescValid != 0
}

func (longFormat) Writable(pte pageTableEntry) bool {
	return (uint64(pte)>>longAPShift)&longAPRdOnly == 0
}

func (longFormat) UserAccessible(pte pageTableEntry) bool {
	return (uint64(pte)>>longAPShift)&longAPUser != 0
}

func (longFormat) IsCopyOnWrite(pte pageTableEntry) bool {
	return uint64(pte)&longCoWBit != 0
}

func (longFormat) ClearPresent(pte pageTableEntry) pageTableEntry {
	return pageTableEntry(uint64(pte) &^ longDescValid)
}

func (longFormat) ReadEntry(addr uintptr) pageTableEntry {
	return pageTableEntry(*(*uint64)(unsafe.Pointer(addr)))
}

func (longFormat) WriteEntry(addr uintptr, pte pageTableEntry) {
	*(*uint64)(unsafe.Pointer(addr)) = uint64(pte)
}
