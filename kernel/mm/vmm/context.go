package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/cpu"
	"github.com/bolthur/kernel-sub005/kernel/mm"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	activeContextFn  = cpu.ActiveContext
	switchContextFn  = cpu.SwitchContext
	flushAddressFn   = cpu.FlushTLBEntry
	flushAllFn       = cpu.FlushTLBAll
	mapTemporaryFn   = MapTemporary
	unmapTemporaryFn = UnmapTemporary
)

// ContextKind distinguishes the always-resident kernel context from the
// per-process user contexts created for each task.
type ContextKind uint8

const (
	// KindKernel is the context active before any process exists and
	// shared, for its upper half, by every user context.
	KindKernel ContextKind = iota

	// KindUser is a per-process address space.
	KindUser
)

// Context is an address-space context: a root translation table plus the
// bookkeeping needed to activate it and to temporarily reach into it while
// it is not active.
type Context struct {
	kind ContextKind
	root mm.Frame
}

// kernelContext is the context active from the end of early boot until the
// first user process is scheduled, and remains the upper half shared by
// every user context afterwards.
var kernelContext Context

// KernelContext returns the always-resident kernel context.
func KernelContext() *Context { return &kernelContext }

// Init initializes the vmm system: selects the active page-table format,
// builds the kernel context out of the already-reachable boot layout
// described by layout, activates it and reserves the CoW zero frame.
// Wiring HandleDataAbort/HandlePrefetchAbort into the exception vector
// table is the responsibility of the irq package.
func Init(format Format, layout []MappedRegion) *kernel.Error {
	selectedFormat = format

	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	kernelContext = Context{kind: KindKernel, root: rootFrame}

	if err = zeroFrame(rootFrame); err != nil {
		return err
	}

	for _, region := range layout {
		if err = kernelContext.mapRegion(region); err != nil {
			return err
		}
	}

	kernelContext.Activate()

	return reserveZeroedFrame()
}

// MappedRegion describes one contiguous range that must be established in
// the kernel context during Init: the kernel image sections, the initial
// page tables and any region reserved by EarlyReserveRegion during boot.
type MappedRegion struct {
	VirtAddr uintptr
	PhysAddr uintptr
	Size     uintptr
	MemType  MemoryType
	Flags    PageTableEntryFlag
}

func (ctx *Context) mapRegion(r MappedRegion) *kernel.Error {
	pageCount := (r.Size + mm.PageSize - 1) >> mm.PageShift
	page := mm.PageFromAddress(r.VirtAddr)
	frame := mm.FrameFromAddress(r.PhysAddr)
	for i := uintptr(0); i < pageCount; i, page, frame = i+1, page+1, frame+1 {
		if err := ctx.Map(page, frame, r.MemType, r.Flags|FlagOverwrite); err != nil {
			return err
		}
	}
	return nil
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var err *kernel.Error
	if ReservedZeroedFrame, err = mm.AllocFrame(); err != nil {
		return err
	}
	if err = zeroFrame(ReservedZeroedFrame); err != nil {
		return err
	}
	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag.
	protectReservedZeroedPage = true
	return nil
}

func zeroFrame(frame mm.Frame) *kernel.Error {
	page, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}
	kernel.Memset(page.Address(), 0, mm.PageSize)
	return unmapTemporaryFn(page)
}

// CreateContext allocates and initializes a fresh address-space context of
// the given kind. A freshly created user context shares the kernel half of
// the address space by copying the kernel context's root-level entries for
// every index at or above kernelSplitAddr: both contexts then point at the
// very same leaf tables for that range, satisfying the invariant that the
// kernel half is mapped exactly once.
func CreateContext(kind ContextKind) (*Context, *kernel.Error) {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return nil, err
	}
	if err = zeroFrame(rootFrame); err != nil {
		return nil, err
	}

	ctx := &Context{kind: kind, root: rootFrame}

	if kind == KindUser {
		if err = ctx.shareKernelHalf(); err != nil {
			return nil, err
		}
	}

	return ctx, nil
}

// shareKernelHalf copies the kernel context's root-level entries at and
// above kernelSplitAddr into ctx's root table. The entries are staged
// through a small buffer, so the source and destination tables are never
// held through temporary mappings at the same time.
func (ctx *Context) shareKernelHalf() *kernel.Error {
	f := selectedFormat
	splitIndex := rootIndexFor(f, kernelSplitAddr)
	entries := f.TableEntries(0)

	staged := make([]pageTableEntry, entries-splitIndex)

	srcPage, err := mapTemporaryFn(kernelContext.root)
	if err != nil {
		return err
	}
	for idx := splitIndex; idx < entries; idx++ {
		staged[idx-splitIndex] = f.ReadEntry(srcPage.Address() + (idx << f.EntryShift(0)))
	}
	if err = unmapTemporaryFn(srcPage); err != nil {
		return err
	}

	dstPage, err := mapTemporaryFn(ctx.root)
	if err != nil {
		return err
	}
	for idx := splitIndex; idx < entries; idx++ {
		f.WriteEntry(dstPage.Address()+(idx<<f.EntryShift(0)), staged[idx-splitIndex])
	}
	return unmapTemporaryFn(dstPage)
}

func rootIndexFor(f Format, addr uintptr) uint {
	return (addr >> f.LevelShift(0)) & ((1 << f.LevelBits(0)) - 1)
}

// DestroyContext unmaps everything mapped in ctx, frees its page tables and
// frees the context's root frame. It is fatal to destroy the active
// context.
func DestroyContext(ctx *Context) *kernel.Error {
	if mm.Frame(activeContextFn()>>mm.PageShift) == ctx.root {
		panic(ErrActiveContext)
	}

	if err := ctx.freeSubtree(ctx.root, 0); err != nil {
		return err
	}

	return nil
}

// freeSubtree recursively frees every present table frame below (and
// including) frame at the given level. Leaf-level frames that still back a
// mapping are left untouched: DestroyContext only reclaims the translation
// tables themselves, matching Unmap's explicit free_frame opt-in for the
// data they point to. In a user context the root entries at and above
// kernelSplitAddr point at the kernel context's shared tables and are
// skipped.
func (ctx *Context) freeSubtree(frame mm.Frame, level int) *kernel.Error {
	f := selectedFormat

	if f.IsLeafLevel(level) {
		return mm.FreeFrame(frame)
	}

	page, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}

	entries := f.TableEntries(level)
	for idx := uint(0); idx < entries; idx++ {
		if level == 0 && ctx.kind == KindUser && idx >= rootIndexFor(f, kernelSplitAddr) {
			break
		}
		entryAddr := page.Address() + (idx << f.EntryShift(level))
		entry := f.ReadEntry(entryAddr)
		if !f.Present(entry) {
			continue
		}
		if err = ctx.freeSubtree(f.Frame(entry), level+1); err != nil {
			_ = unmapTemporaryFn(page)
			return err
		}
	}

	if err = unmapTemporaryFn(page); err != nil {
		return err
	}
	return mm.FreeFrame(frame)
}

// Activate installs ctx's root table as the active translation table and
// performs the barrier/TLB maintenance the switch requires.
func (ctx *Context) Activate() {
	switchContextFn(ctx.root.Address())
}

// walk performs a page-table walk for virtAddr within ctx, creating
// intermediate tables on demand when create is true. visit is called once,
// at the leaf level, with the address of the final entry (inside whichever
// table page is currently reachable through the single temporary-mapping
// window).
func (ctx *Context) walk(virtAddr uintptr, create bool, visit func(level int, entryAddr uintptr) *kernel.Error) *kernel.Error {
	f := selectedFormat
	tableFrame := ctx.root

	for level := 0; level < f.Levels(); level++ {
		tablePage, err := mapTemporaryFn(tableFrame)
		if err != nil {
			return err
		}

		shift := f.LevelShift(level)
		bits := f.LevelBits(level)
		idx := (virtAddr >> shift) & ((1 << bits) - 1)
		entryAddr := tablePage.Address() + (idx << f.EntryShift(level))

		if f.IsLeafLevel(level) {
			verr := visit(level, entryAddr)
			_ = unmapTemporaryFn(tablePage)
			return verr
		}

		entry := f.ReadEntry(entryAddr)
		if !f.Present(entry) {
			if !create {
				_ = unmapTemporaryFn(tablePage)
				return ErrInvalidMapping
			}

			newFrame, aerr := mm.AllocFrame()
			if aerr != nil {
				_ = unmapTemporaryFn(tablePage)
				return aerr
			}
			if aerr = zeroFrame(newFrame); aerr != nil {
				_ = unmapTemporaryFn(tablePage)
				return aerr
			}

			entry = f.EncodeTable(newFrame)
			f.WriteEntry(entryAddr, entry)
		}

		tableFrame = f.Frame(entry)
		if err = unmapTemporaryFn(tablePage); err != nil {
			return err
		}
	}

	return nil
}

// IsMappedIn reports whether vaddr has a present mapping in ctx.
func (ctx *Context) IsMappedIn(vaddr uintptr) bool {
	_, err := ctx.Resolve(vaddr)
	return err == nil
}

// Resolve returns the physical address that vaddr maps to within ctx, or
// ErrInvalidMapping if it is not mapped.
func (ctx *Context) Resolve(vaddr uintptr) (uintptr, *kernel.Error) {
	f := selectedFormat

	var (
		physAddr uintptr
		resErr   *kernel.Error
	)

	err := ctx.walk(vaddr, false, func(_ int, entryAddr uintptr) *kernel.Error {
		entry := f.ReadEntry(entryAddr)
		if !f.Present(entry) {
			resErr = ErrInvalidMapping
			return nil
		}
		physAddr = f.Frame(entry).Address() + (vaddr & (mm.PageSize - 1))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if resErr != nil {
		return 0, resErr
	}
	return physAddr, nil
}

// Map establishes a mapping from page to frame within ctx, creating
// intermediate tables as needed. It fails with ErrAlreadyMapped if the page
// already has a present mapping, unless flags includes FlagOverwrite.
//
// Attempts to map ReservedZeroedFrame with FlagRW set are rejected.
func (ctx *Context) Map(page mm.Page, frame mm.Frame, memType MemoryType, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	f := selectedFormat
	overwrite := flags&FlagOverwrite != 0

	return ctx.walk(page.Address(), true, func(_ int, entryAddr uintptr) *kernel.Error {
		existing := f.ReadEntry(entryAddr)
		if f.Present(existing) && !overwrite {
			return ErrAlreadyMapped
		}

		f.WriteEntry(entryAddr, f.EncodeLeaf(frame, memType, flags))
		flushAddressFn(page.Address())
		return nil
	})
}

// MapRandom allocates a fresh physical frame and maps it at page, exactly
// as Map would with that frame.
func (ctx *Context) MapRandom(page mm.Page, memType MemoryType, flags PageTableEntryFlag) (mm.Frame, *kernel.Error) {
	frame, err := mm.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}
	if err = ctx.Map(page, frame, memType, flags); err != nil {
		return mm.InvalidFrame, err
	}
	return frame, nil
}

// Unmap removes the mapping for page within ctx. If freeFrame is true, the
// frame the mapping pointed to is returned to the physical allocator.
func (ctx *Context) Unmap(page mm.Page, freeFrame bool) *kernel.Error {
	f := selectedFormat

	return ctx.walk(page.Address(), false, func(_ int, entryAddr uintptr) *kernel.Error {
		entry := f.ReadEntry(entryAddr)
		if !f.Present(entry) {
			return ErrInvalidMapping
		}

		backing := f.Frame(entry)
		f.WriteEntry(entryAddr, f.ClearPresent(entry))
		flushAddressFn(page.Address())

		if freeFrame {
			return mm.FreeFrame(backing)
		}
		return nil
	})
}

// FlushAddress performs architecture-correct TLB maintenance for a single
// virtual address.
func FlushAddress(vaddr uintptr) { flushAddressFn(vaddr) }

// FlushAll flushes the entire TLB.
func FlushAll() { flushAllFn() }
