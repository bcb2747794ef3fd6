// Package atags parses the ATAGS list passed to the kernel by the
// first-stage bootloader, exposing a memory-region enumeration shape in the
// same spirit as a multiboot memory map walk on other architectures. The
// boot entry point receives the physical address of this list as the third
// of its three boot words and must call SetInfoPtr before any other
// function in this package is used.
package atags

import "unsafe"

// tag identifies the kind of data carried by an atag entry. Values match the
// well-known ATAG tag numbers used by the ARM Linux boot convention.
type tag uint32

const (
	tagNone tag = 0x00000000
	tagCore tag = 0x54410001
	tagMem  tag = 0x54410002
)

// header precedes every atag entry. sizeWords includes the header itself and
// is expressed in 32-bit words, not bytes.
type header struct {
	sizeWords uint32
	tagType   tag
}

// memTag is the payload that follows header for a tagMem entry.
type memTag struct {
	size uint32
	start uint32
}

var listAddr uintptr

// SetInfoPtr records the physical address of the atag list reported by the
// bootloader. It must be called before VisitMemRegions.
func SetInfoPtr(ptr uintptr) {
	listAddr = ptr
}

// MemRegionVisitor is invoked by VisitMemRegions for each ATAG_MEM entry
// found in the list. The visitor must return true to continue the scan or
// false to abort it early.
type MemRegionVisitor func(physAddress, length uintptr) bool

// VisitMemRegions walks the atag list set via SetInfoPtr and invokes visitor
// for every memory region it describes. Unlike the multiboot memory map, the
// atag list carries no notion of reserved regions: every ATAG_MEM entry
// describes RAM that the bootloader considers present and usable, so all
// regions reported here are available for allocation.
func VisitMemRegions(visitor MemRegionVisitor) {
	if listAddr == 0 {
		return
	}

	curPtr := listAddr
	for {
		hdr := (*header)(unsafe.Pointer(curPtr))
		if hdr.tagType == tagNone || hdr.sizeWords == 0 {
			return
		}

		if hdr.tagType == tagMem {
			mem := (*memTag)(unsafe.Pointer(curPtr + 8))
			if !visitor(uintptr(mem.start), uintptr(mem.size)) {
				return
			}
		}

		curPtr += uintptr(hdr.sizeWords) * 4
	}
}
