package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"testing"
	"unsafe"
)

// memSim backs physical frames with ordinary, page-aligned Go memory so the
// Format implementations' raw ReadEntry/WriteEntry pointer arithmetic can run
// against real addresses without a live MMU.
type memSim struct {
	pages     map[mm.Frame]uintptr
	live      [][]byte
	nextFrame mm.Frame
}

func newMemSim() *memSim {
	return &memSim{pages: make(map[mm.Frame]uintptr)}
}

func (m *memSim) newPage() uintptr {
	buf := make([]byte, 2*mm.PageSize)
	m.live = append(m.live, buf)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	return (addr + mm.PageSize - 1) &^ (mm.PageSize - 1)
}

func (m *memSim) allocFrame() (mm.Frame, *kernel.Error) {
	f := m.nextFrame
	m.nextFrame++
	m.pages[f] = m.newPage()
	return f, nil
}

func (m *memSim) freeFrame(f mm.Frame) *kernel.Error {
	delete(m.pages, f)
	return nil
}

func (m *memSim) mapTemporary(f mm.Frame) (mm.Page, *kernel.Error) {
	addr, ok := m.pages[f]
	if !ok {
		addr = m.newPage()
		m.pages[f] = addr
	}
	return mm.PageFromAddress(addr), nil
}

func (m *memSim) unmapTemporary(mm.Page) *kernel.Error { return nil }

// withSimulatedMemory installs sim's allocator/freer/temporary-mapping hooks
// and the given Format as selectedFormat for the duration of the test.
func withSimulatedMemory(t *testing.T, f Format) *memSim {
	sim := newMemSim()

	origFormat := selectedFormat
	origMapTemp, origUnmapTemp := mapTemporaryFn, unmapTemporaryFn
	origFlushAddr, origFlushAll := flushAddressFn, flushAllFn
	origActive, origSwitch := activeContextFn, switchContextFn
	origReserved, origProtected := ReservedZeroedFrame, protectReservedZeroedPage

	selectedFormat = f
	mapTemporaryFn = sim.mapTemporary
	unmapTemporaryFn = sim.unmapTemporary
	flushAddressFn = func(uintptr) {}
	flushAllFn = func() {}
	activeContextFn = func() uintptr { return ^uintptr(0) }
	switchContextFn = func(uintptr) {}
	protectReservedZeroedPage = false

	mm.SetFrameAllocator(sim.allocFrame)
	mm.SetFrameFreer(sim.freeFrame)

	t.Cleanup(func() {
		selectedFormat = origFormat
		mapTemporaryFn, unmapTemporaryFn = origMapTemp, origUnmapTemp
		flushAddressFn, flushAllFn = origFlushAddr, origFlushAll
		activeContextFn, switchContextFn = origActive, origSwitch
		ReservedZeroedFrame, protectReservedZeroedPage = origReserved, origProtected
		mm.SetFrameAllocator(nil)
		mm.SetFrameFreer(nil)
	})

	return sim
}

func newTestContext(t *testing.T, kind ContextKind) *Context {
	ctx, err := CreateContext(kind)
	if err != nil {
		t.Fatalf("CreateContext: %s", err)
	}
	return ctx
}

func TestContextMapResolveUnmap(t *testing.T) {
	for _, format := range []Format{shortFormat{}, longFormat{}} {
		t.Run(format.Name(), func(t *testing.T) {
			withSimulatedMemory(t, format)

			ctx := newTestContext(t, KindKernel)
			page := mm.PageFromAddress(0x00800000)
			frame := mm.FrameFromAddress(0x00900000)

			if err := ctx.Map(page, frame, MemNormal, FlagRW); err != nil {
				t.Fatalf("Map: %s", err)
			}
			if !ctx.IsMappedIn(page.Address()) {
				t.Fatal("expected page to be mapped")
			}

			physAddr, err := ctx.Resolve(page.Address() + 0x10)
			if err != nil {
				t.Fatalf("Resolve: %s", err)
			}
			if exp, got := frame.Address()+0x10, physAddr; exp != got {
				t.Errorf("expected resolved address %#x; got %#x", exp, got)
			}

			if err := ctx.Unmap(page, false); err != nil {
				t.Fatalf("Unmap: %s", err)
			}
			if ctx.IsMappedIn(page.Address()) {
				t.Error("expected page to no longer be mapped after Unmap")
			}
		})
	}
}

func TestContextMapAlreadyMapped(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	page := mm.PageFromAddress(0x01000000)
	frame := mm.FrameFromAddress(0x01100000)

	if err := ctx.Map(page, frame, MemNormal, FlagRW); err != nil {
		t.Fatalf("Map: %s", err)
	}
	if err := ctx.Map(page, frame, MemNormal, FlagRW); err != ErrAlreadyMapped {
		t.Fatalf("expected ErrAlreadyMapped; got %v", err)
	}

	other := mm.FrameFromAddress(0x01200000)
	if err := ctx.Map(page, other, MemNormal, FlagRW|FlagOverwrite); err != nil {
		t.Fatalf("Map with FlagOverwrite: %s", err)
	}
	physAddr, err := ctx.Resolve(page.Address())
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if exp, got := other.Address(), physAddr; exp != got {
		t.Errorf("expected overwrite to repoint the mapping to %#x; got %#x", exp, got)
	}
}

func TestContextResolveUnmapped(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	if _, err := ctx.Resolve(0x02000000); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
	if err := ctx.Unmap(mm.PageFromAddress(0x02000000), false); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestContextMapRandom(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	page := mm.PageFromAddress(0x03000000)
	frame, err := ctx.MapRandom(page, MemNormal, FlagRW)
	if err != nil {
		t.Fatalf("MapRandom: %s", err)
	}
	physAddr, err := ctx.Resolve(page.Address())
	if err != nil {
		t.Fatalf("Resolve: %s", err)
	}
	if exp, got := frame.Address(), physAddr; exp != got {
		t.Errorf("expected resolved address to match allocated frame %#x; got %#x", exp, got)
	}
}

func TestContextUnmapFreesFrame(t *testing.T) {
	sim := withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	page := mm.PageFromAddress(0x04000000)
	frame, err := ctx.MapRandom(page, MemNormal, FlagRW)
	if err != nil {
		t.Fatalf("MapRandom: %s", err)
	}
	if _, tracked := sim.pages[frame]; !tracked {
		t.Fatal("expected allocated frame to be tracked by the simulator")
	}

	if err := ctx.Unmap(page, true); err != nil {
		t.Fatalf("Unmap: %s", err)
	}
	if _, stillTracked := sim.pages[frame]; stillTracked {
		t.Error("expected Unmap(freeFrame=true) to return the frame to the allocator")
	}
}

func TestCreateContextUserSharesKernelHalf(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})

	kernelRootFrame, err := mm.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %s", err)
	}
	kernelContext = Context{kind: KindKernel, root: kernelRootFrame}
	if err := zeroFrame(kernelRootFrame); err != nil {
		t.Fatalf("zeroFrame: %s", err)
	}

	kernelPage := mm.PageFromAddress(kernelSplitAddr + 0x1000)
	kernelFrame := mm.FrameFromAddress(0x05000000)
	if err := kernelContext.Map(kernelPage, kernelFrame, MemNormal, FlagRW); err != nil {
		t.Fatalf("Map in kernel context: %s", err)
	}

	userCtx := newTestContext(t, KindUser)

	physAddr, err := userCtx.Resolve(kernelPage.Address())
	if err != nil {
		t.Fatalf("Resolve in user context: %s", err)
	}
	if exp, got := kernelFrame.Address(), physAddr; exp != got {
		t.Errorf("expected user context to see the shared kernel mapping at %#x; got %#x", exp, got)
	}

	userOnlyPage := mm.PageFromAddress(0x06000000)
	if userCtx.IsMappedIn(userOnlyPage.Address()) {
		t.Error("expected a sub-split-address page to be unmapped in a fresh user context")
	}
}

func TestDestroyContextPanicsOnActive(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	activeContextFn = func() uintptr { return ctx.root.Address() }

	defer func() {
		if r := recover(); r != ErrActiveContext {
			t.Errorf("expected panic with ErrActiveContext; got %v", r)
		}
	}()
	DestroyContext(ctx)
	t.Fatal("expected DestroyContext to panic")
}

func TestDestroyContextFreesSubtree(t *testing.T) {
	sim := withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	page := mm.PageFromAddress(0x07000000)
	if _, err := ctx.MapRandom(page, MemNormal, FlagRW); err != nil {
		t.Fatalf("MapRandom: %s", err)
	}

	root := ctx.root
	if err := DestroyContext(ctx); err != nil {
		t.Fatalf("DestroyContext: %s", err)
	}
	if _, stillTracked := sim.pages[root]; stillTracked {
		t.Error("expected DestroyContext to free the root table frame")
	}
}
