package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/mm"
)

// ReservedZeroedFrame is a special zero-cleared frame allocated by Init.
// The purpose of this frame is to assist in implementing on-demand memory
// allocation when mapping it in conjunction with FlagCopyOnWrite. Example:
//
//  mapFlags := vmm.FlagCopyOnWrite
//  for page := start; pageCount > 0; pageCount, page = pageCount-1, page+1 {
//    if err := ctx.Map(page, vmm.ReservedZeroedFrame, vmm.MemNormal, mapFlags); err != nil {
//      return err
//    }
//  }
//
// In the above example, page mappings are set up for the requested number
// of pages but no physical memory is reserved for their contents. A write
// to any of the above pages will trigger a page fault causing a new frame
// to be allocated, cleared (the blank frame's contents are copied to the
// new frame) and installed in-place with RW permissions.
var ReservedZeroedFrame mm.Frame

// protectReservedZeroedPage is set to true once ReservedZeroedFrame is
// initialized, preventing it from ever being mapped with FlagRW.
var protectReservedZeroedPage bool

// PrepareTemporary is a no-op under this kernel's implementation of the
// temporary mapping window: every physical frame is already reachable
// through the permanent direct map MapTemporary uses, regardless of which
// context is active, so there is nothing to prepare. The function is kept
// to satisfy the external contract ("manipulate a foreign context's tables
// without activating it") for callers that call it defensively before a
// sequence of MapTemporary calls.
func PrepareTemporary(*Context) *kernel.Error { return nil }

// MapTemporary establishes a temporary view of a physical frame through
// the fixed kernel-virtual direct-map window, primarily used to access and
// initialize page tables that are not part of the active context.
//
// Attempts to map ReservedZeroedFrame will result in an error.
func MapTemporary(frame mm.Frame) (mm.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}
	return mm.PageFromAddress(directMapBase + frame.Address()), nil
}

// UnmapTemporary releases a mapping previously obtained from MapTemporary.
// Since the direct map is permanent, there is no actual unmapping to
// perform; the function exists so that callers can pair every MapTemporary
// with an UnmapTemporary exactly as the external contract describes,
// independent of how the window happens to be implemented.
func UnmapTemporary(mm.Page) *kernel.Error { return nil }

// MapRegion establishes a mapping to the physical memory region which
// starts at the given frame and ends at frame + pages(size) within ctx.
// The size argument is rounded up to the nearest page boundary. MapRegion
// reserves the next available region in the kernel address space and
// returns the Page that corresponds to the region start.
func MapRegion(ctx *Context, frame mm.Frame, size uintptr, memType MemoryType, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := ctx.Map(page, frame, memType, flags); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startAddr), nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size)
// within ctx. IdentityMapRegion returns the Page that corresponds to the
// region start.
func IdentityMapRegion(ctx *Context, startFrame mm.Frame, size uintptr, memType MemoryType, flags PageTableEntryFlag) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := ctx.Map(curPage, mm.Frame(curPage), memType, flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}
