package ipc

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
	"github.com/bolthur/kernel-sub005/kernel/sync"
)

var (
	errRegionExists = &kernel.Error{Module: "ipc", Message: "a shared region with that name already exists"}
	errNoSuchRegion = &kernel.Error{Module: "ipc", Message: "no shared region with that name"}
	errRegionEmpty  = &kernel.Error{Module: "ipc", Message: "shared region size rounds to zero pages"}
)

// Region is a named, reference-counted shared-memory region: a fixed list
// of physical frames that any number of processes may map into their own
// context via AcquireRegion, each at whatever virtual address their own context
// has room for.
type Region struct {
	Name           string
	Frames         []mm.Frame
	UseCount       uint64
	destroyPending bool
}

var (
	registryMutex sync.Spinlock
	registry      = map[string]*Region{}
)

// mapPageFn/unmapPageFn are indirected through package vars, mirroring
// kernel/heap's mapGrowthPageFn seam, so tests can exercise AcquireRegion/ReleaseRegion's
// bookkeeping without a live *vmm.Context's temporary-mapping window, which
// depends on a real direct-mapped physical address range unavailable to a
// host test process.
var (
	mapPageFn = func(ctx *vmm.Context, page mm.Page, frame mm.Frame, memType vmm.MemoryType, flags vmm.PageTableEntryFlag) *kernel.Error {
		return ctx.Map(page, frame, memType, flags)
	}
	unmapPageFn = func(ctx *vmm.Context, page mm.Page, freeFrame bool) *kernel.Error {
		return ctx.Unmap(page, freeFrame)
	}
)

// CreateRegion allocates ceil(size/PageSize) frames and registers them
// under name. UseCount starts at 0, per spec.md 4.7.
func CreateRegion(name string, size uintptr) (*Region, *kernel.Error) {
	pageCount := (size + mm.PageSize - 1) / mm.PageSize
	if pageCount == 0 {
		return nil, errRegionEmpty
	}

	registryMutex.Acquire()
	defer registryMutex.Release()

	if _, exists := registry[name]; exists {
		return nil, errRegionExists
	}

	frames := make([]mm.Frame, 0, pageCount)
	for i := uintptr(0); i < pageCount; i++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			for _, f := range frames {
				_ = mm.FreeFrame(f)
			}
			return nil, err
		}
		frames = append(frames, frame)
	}

	region := &Region{Name: name, Frames: frames}
	registry[name] = region
	return region, nil
}

func lookupRegion(name string) (*Region, *kernel.Error) {
	region, ok := registry[name]
	if !ok {
		return nil, errNoSuchRegion
	}
	return region, nil
}

// AcquireRegion maps every frame of the named region into ctx at a
// caller-chosen virtual range (reserve finds that range within the calling
// process's own address space, a concern ipc has no visibility into) and
// increments the region's use count.
func AcquireRegion(ctx *vmm.Context, name string, reserve func(size uintptr) (uintptr, *kernel.Error)) (uintptr, *kernel.Error) {
	registryMutex.Acquire()
	defer registryMutex.Release()

	region, err := lookupRegion(name)
	if err != nil {
		return 0, err
	}

	size := uintptr(len(region.Frames)) * mm.PageSize
	vaddr, err := reserve(size)
	if err != nil {
		return 0, err
	}

	for i, frame := range region.Frames {
		page := mm.PageFromAddress(vaddr + uintptr(i)*mm.PageSize)
		if err = mapPageFn(ctx, page, frame, vmm.MemNormal, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
			for j := 0; j < i; j++ {
				_ = unmapPageFn(ctx, mm.PageFromAddress(vaddr+uintptr(j)*mm.PageSize), false)
			}
			return 0, err
		}
	}

	region.UseCount++
	return vaddr, nil
}

// ReleaseRegion unmaps the region previously acquired at vaddr from ctx
// (without freeing its physical frames) and decrements the use count,
// freeing the frames only once the count reaches zero and the region has
// been marked for destruction via MarkForDestruction.
func ReleaseRegion(ctx *vmm.Context, name string, vaddr uintptr) *kernel.Error {
	registryMutex.Acquire()
	defer registryMutex.Release()

	region, err := lookupRegion(name)
	if err != nil {
		return err
	}

	for i := range region.Frames {
		page := mm.PageFromAddress(vaddr + uintptr(i)*mm.PageSize)
		if err = unmapPageFn(ctx, page, false); err != nil {
			return err
		}
	}

	if region.UseCount > 0 {
		region.UseCount--
	}
	if region.UseCount == 0 && region.destroyPending {
		destroyRegionLocked(region)
	}
	return nil
}

// MarkForDestruction flags name for teardown once its last acquirer
// releases it, or destroys it immediately if nothing currently holds it.
func MarkForDestruction(name string) *kernel.Error {
	registryMutex.Acquire()
	defer registryMutex.Release()

	region, err := lookupRegion(name)
	if err != nil {
		return err
	}

	region.destroyPending = true
	if region.UseCount == 0 {
		destroyRegionLocked(region)
	}
	return nil
}

func destroyRegionLocked(region *Region) {
	for _, f := range region.Frames {
		_ = mm.FreeFrame(f)
	}
	delete(registry, region.Name)
}
