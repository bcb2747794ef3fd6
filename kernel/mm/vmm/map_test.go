package vmm

import (
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"testing"
)

func TestMapTemporaryUsesDirectMap(t *testing.T) {
	frame := mm.FrameFromAddress(0x00abc000)

	page, err := MapTemporary(frame)
	if err != nil {
		t.Fatalf("MapTemporary: %s", err)
	}
	if exp, got := directMapBase+frame.Address(), page.Address(); exp != got {
		t.Errorf("expected direct-mapped address %#x; got %#x", exp, got)
	}
	if err := UnmapTemporary(page); err != nil {
		t.Errorf("UnmapTemporary: %s", err)
	}
}

func TestMapTemporaryRejectsReservedZeroedFrame(t *testing.T) {
	defer func() {
		ReservedZeroedFrame, protectReservedZeroedPage = 0, false
	}()

	ReservedZeroedFrame = mm.FrameFromAddress(0x00def000)
	protectReservedZeroedPage = true

	if _, err := MapTemporary(ReservedZeroedFrame); err != errAttemptToRWMapReservedFrame {
		t.Fatalf("expected errAttemptToRWMapReservedFrame; got %v", err)
	}
}

func TestPrepareTemporaryIsNoOp(t *testing.T) {
	if err := PrepareTemporary(nil); err != nil {
		t.Fatalf("expected PrepareTemporary to never fail; got %s", err)
	}
}

func TestMapRegion(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	frame := mm.FrameFromAddress(0x08000000)
	size := uintptr(3 * mm.PageSize)

	startPage, err := MapRegion(ctx, frame, size, MemNormal, FlagRW)
	if err != nil {
		t.Fatalf("MapRegion: %s", err)
	}

	pageCount := (size + mm.PageSize - 1) >> mm.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		physAddr, err := ctx.Resolve((startPage + mm.Page(i)).Address())
		if err != nil {
			t.Fatalf("Resolve page %d: %s", i, err)
		}
		if exp, got := (frame+mm.Frame(i)).Address(), physAddr; exp != got {
			t.Errorf("page %d: expected phys addr %#x; got %#x", i, exp, got)
		}
	}
}

func TestIdentityMapRegion(t *testing.T) {
	withSimulatedMemory(t, shortFormat{})
	ctx := newTestContext(t, KindKernel)

	startFrame := mm.FrameFromAddress(0x09000000)
	size := uintptr(2 * mm.PageSize)

	startPage, err := IdentityMapRegion(ctx, startFrame, size, MemNormal, FlagRW)
	if err != nil {
		t.Fatalf("IdentityMapRegion: %s", err)
	}
	if exp, got := mm.Page(startFrame), startPage; exp != got {
		t.Fatalf("expected identity-mapped start page %v; got %v", exp, got)
	}

	pageCount := mm.Page((size + mm.PageSize - 1) >> mm.PageShift)
	for p := startPage; p < startPage+pageCount; p++ {
		physAddr, err := ctx.Resolve(p.Address())
		if err != nil {
			t.Fatalf("Resolve page %v: %s", p, err)
		}
		if exp, got := p.Address(), physAddr; exp != got {
			t.Errorf("expected identity mapping at %#x; got %#x", exp, got)
		}
	}
}
