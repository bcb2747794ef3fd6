// Package elf loads a 32-bit little-endian ARM ELF executable image into a
// fresh address-space context: validate the header, then for every LOAD
// program header allocate frames, map them with the segment's permission
// bits and copy the segment's file bytes into them through the kernel's
// temporary-mapping window, zeroing the BSS tail.
//
// The image is a byte slice already resident in kernel memory (copied out
// of the ramdisk built by cmd/mkramdisk), so the header is read by
// overlaying a struct directly on it, the same way kernel/hal/atags reads
// the boot-time ATAG list directly out of physical memory instead of
// through an io.Reader-based decoder: there is no hosted file behind the
// image for a library like debug/elf to read from.
package elf

import (
	"unsafe"

	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
)

var (
	errImageTooShort  = &kernel.Error{Module: "elf", Message: "image shorter than an ELF32 header"}
	errBadMagic       = &kernel.Error{Module: "elf", Message: "bad ELF magic"}
	errBadClass       = &kernel.Error{Module: "elf", Message: "not a 32-bit ELF image"}
	errBadEndian      = &kernel.Error{Module: "elf", Message: "not a little-endian ELF image"}
	errBadMachine     = &kernel.Error{Module: "elf", Message: "ELF machine field is not ARM"}
	errBadPhdrSize    = &kernel.Error{Module: "elf", Message: "program header entry size is zero or malformed"}
	errPhdrOutOfRange = &kernel.Error{Module: "elf", Message: "program header table extends past the image"}
	errSegmentData    = &kernel.Error{Module: "elf", Message: "LOAD segment file range extends past the image"}
)

const (
	classELF32    = 1
	dataLSB       = 1
	machineARM    = 40
	progTypeLoad  = 1
	progFlagExec  = 1
	progFlagWrite = 2
)

// header mirrors the fixed 52-byte Elf32_Ehdr layout.
type header struct {
	ident     [16]byte
	etype     uint16
	machine   uint16
	version   uint32
	entry     uint32
	phoff     uint32
	shoff     uint32
	flags     uint32
	ehsize    uint16
	phentsize uint16
	phnum     uint16
	shentsize uint16
	shnum     uint16
	shstrndx  uint16
}

// progHeader mirrors the fixed 32-byte Elf32_Phdr layout.
type progHeader struct {
	ptype  uint32
	offset uint32
	vaddr  uint32
	paddr  uint32
	filesz uint32
	memsz  uint32
	pflags uint32
	align  uint32
}

var headerSize = unsafe.Sizeof(header{})
var progHeaderSize = unsafe.Sizeof(progHeader{})

// Check reports whether image carries a well-formed ELF32 little-endian
// header of any machine type.
func Check(image []byte) bool {
	_, err := parseHeader(image)
	return err == nil
}

// ArchCheck reports whether image is specifically a 32-bit little-endian
// ARM image, i.e. whether Load could plausibly run it on this core.
func ArchCheck(image []byte) bool {
	hdr, err := parseHeader(image)
	return err == nil && hdr.machine == machineARM
}

func parseHeader(image []byte) (*header, *kernel.Error) {
	if uintptr(len(image)) < headerSize {
		return nil, errImageTooShort
	}

	hdr := (*header)(unsafe.Pointer(&image[0]))
	if hdr.ident[0] != 0x7f || hdr.ident[1] != 'E' || hdr.ident[2] != 'L' || hdr.ident[3] != 'F' {
		return nil, errBadMagic
	}
	if hdr.ident[4] != classELF32 {
		return nil, errBadClass
	}
	if hdr.ident[5] != dataLSB {
		return nil, errBadEndian
	}
	return hdr, nil
}

// ImageSize returns the highest virtual address (exclusive) any LOAD
// segment in image reaches, i.e. the footprint the image needs once loaded.
func ImageSize(image []byte) (uintptr, *kernel.Error) {
	hdr, err := parseHeader(image)
	if err != nil {
		return 0, err
	}

	var maxAddr uintptr
	walkErr := walkLoadSegments(image, hdr, func(ph *progHeader) *kernel.Error {
		if end := uintptr(ph.vaddr) + uintptr(ph.memsz); end > maxAddr {
			maxAddr = end
		}
		return nil
	})
	if walkErr != nil {
		return 0, walkErr
	}
	return maxAddr, nil
}

func walkLoadSegments(image []byte, hdr *header, visit func(*progHeader) *kernel.Error) *kernel.Error {
	if hdr.phentsize == 0 {
		return errBadPhdrSize
	}
	tableEnd := uintptr(hdr.phoff) + uintptr(hdr.phnum)*uintptr(hdr.phentsize)
	if tableEnd > uintptr(len(image)) {
		return errPhdrOutOfRange
	}

	base := uintptr(unsafe.Pointer(&image[0]))
	for i := uint16(0); i < hdr.phnum; i++ {
		entryAddr := base + uintptr(hdr.phoff) + uintptr(i)*uintptr(hdr.phentsize)
		ph := (*progHeader)(unsafe.Pointer(entryAddr))
		if ph.ptype != progTypeLoad {
			continue
		}
		if uintptr(ph.offset)+uintptr(ph.filesz) > uintptr(len(image)) {
			return errSegmentData
		}
		if err := visit(ph); err != nil {
			return err
		}
	}
	return nil
}

// allocFrameFn/mapPageFn/mapTemporaryFn/unmapTemporaryFn are indirected so
// tests can exercise segment loading against host-backed buffers, following
// kernel/heap's mapGrowthPageFn seam convention.
var (
	allocFrameFn     = mm.AllocFrame
	mapPageFn        = func(ctx *vmm.Context, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error { return ctx.Map(page, frame, vmm.MemNormal, flags) }
	mapTemporaryFn   = vmm.MapTemporary
	unmapTemporaryFn = vmm.UnmapTemporary
)

func segmentFlags(pflags uint32) vmm.PageTableEntryFlag {
	flags := vmm.PageTableEntryFlag(0) | vmm.FlagUserAccessible
	if pflags&progFlagWrite != 0 {
		flags |= vmm.FlagRW
	}
	if pflags&progFlagExec == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// Load validates image and maps every LOAD segment into ctx, returning the
// entry point. vmm.PrepareTemporary is called once up front, satisfying its
// documented "call defensively before a sequence of MapTemporary calls"
// contract for a context that is not necessarily active.
func Load(ctx *vmm.Context, image []byte) (uintptr, *kernel.Error) {
	hdr, err := parseHeader(image)
	if err != nil {
		return 0, err
	}
	if hdr.machine != machineARM {
		return 0, errBadMachine
	}

	if err = vmm.PrepareTemporary(ctx); err != nil {
		return 0, err
	}

	walkErr := walkLoadSegments(image, hdr, func(ph *progHeader) *kernel.Error {
		return loadSegment(ctx, image, ph)
	})
	if walkErr != nil {
		return 0, walkErr
	}

	return uintptr(hdr.entry), nil
}

func loadSegment(ctx *vmm.Context, image []byte, ph *progHeader) *kernel.Error {
	flags := segmentFlags(ph.pflags)

	startPage := mm.PageFromAddress(uintptr(ph.vaddr))
	endAddr := uintptr(ph.vaddr) + uintptr(ph.memsz)
	pageCount := uintptr(mm.PageFromAddress(endAddr-1)-startPage) + 1

	base := uintptr(unsafe.Pointer(&image[0]))
	fileStart := base + uintptr(ph.offset)
	fileEnd := fileStart + uintptr(ph.filesz)
	segStart := uintptr(ph.vaddr)
	segFileEnd := segStart + uintptr(ph.filesz)

	for i := uintptr(0); i < pageCount; i++ {
		page := startPage + mm.Page(i)

		frame, err := allocFrameFn()
		if err != nil {
			return err
		}
		if err = mapPageFn(ctx, page, frame, flags); err != nil {
			return err
		}

		tmpPage, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}

		kernel.Memset(tmpPage.Address(), 0, mm.PageSize)

		pageVAddr := page.Address()
		copyStart := maxUintptr(pageVAddr, segStart)
		copyEnd := minUintptr(pageVAddr+mm.PageSize, segFileEnd)
		if copyEnd > copyStart {
			srcOff := fileStart + (copyStart - segStart)
			if srcOff+(copyEnd-copyStart) <= fileEnd {
				kernel.Memcopy(srcOff, tmpPage.Address()+(copyStart-pageVAddr), copyEnd-copyStart)
			}
		}

		if err = unmapTemporaryFn(tmpPage); err != nil {
			return err
		}
	}

	return nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}
