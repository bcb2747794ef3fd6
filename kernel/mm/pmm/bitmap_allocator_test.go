package pmm

import (
	"encoding/binary"
	"github.com/bolthur/kernel-sub005/kernel"
	"github.com/bolthur/kernel-sub005/kernel/hal/atags"
	"github.com/bolthur/kernel-sub005/kernel/mm"
	"github.com/bolthur/kernel-sub005/kernel/mm/vmm"
	"testing"
	"unsafe"
)

func atagListBytes(regions [][2]uint32) []byte {
	var buf []byte
	putWord := func(v uint32) {
		var w [4]byte
		binary.LittleEndian.PutUint32(w[:], v)
		buf = append(buf, w[:]...)
	}

	putWord(5)
	putWord(0x54410001)
	putWord(0)
	putWord(0)
	putWord(0)

	for _, r := range regions {
		putWord(4)
		putWord(0x54410002)
		putWord(r[0])
		putWord(r[1])
	}

	putWord(0)
	putWord(0)

	return buf
}

func TestBitmapAllocatorSetupPoolBitmaps(t *testing.T) {
	defer func() {
		mapFn = mapMetadataPage
		reserveRegionFn = vmm.EarlyReserveRegion
	}()

	buf := atagListBytes([][2]uint32{
		{128 * mm.PageSize, 0},
	})
	atags.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))
	defer atags.SetInfoPtr(0)

	physMem := make([]byte, 2*mm.PageSize)

	mapCallCount := 0
	mapFn = func(mm.Page, mm.Frame) *kernel.Error {
		mapCallCount++
		return nil
	}

	reserveCallCount := 0
	reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
		reserveCallCount++
		return uintptr(unsafe.Pointer(&physMem[0])), nil
	}

	var alloc BitmapAllocator
	if err := alloc.setupPoolBitmaps(); err != nil {
		t.Fatal(err)
	}

	if mapCallCount == 0 {
		t.Fatal("expected setupPoolBitmaps to map at least one metadata page")
	}
	if reserveCallCount != 1 {
		t.Fatalf("expected exactly one call to reserveRegionFn; got %d", reserveCallCount)
	}
	if exp, got := 1, len(alloc.pools); got != exp {
		t.Fatalf("expected %d pool; got %d", exp, got)
	}
	if exp, got := uint32(128), alloc.pools[0].freeCount; got != exp {
		t.Errorf("expected pool free count %d; got %d", exp, got)
	}
}

func TestBitmapAllocatorSetupPoolBitmapsErrors(t *testing.T) {
	defer func() {
		mapFn = mapMetadataPage
		reserveRegionFn = vmm.EarlyReserveRegion
	}()

	buf := atagListBytes([][2]uint32{{128 * mm.PageSize, 0}})
	atags.SetInfoPtr(uintptr(unsafe.Pointer(&buf[0])))
	defer atags.SetInfoPtr(0)

	var alloc BitmapAllocator

	t.Run("reserveRegionFn fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "boom"}
		reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) { return 0, expErr }

		if err := alloc.setupPoolBitmaps(); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})

	t.Run("mapFn fails", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "boom"}
		physMem := make([]byte, 2*mm.PageSize)
		reserveRegionFn = func(uintptr) (uintptr, *kernel.Error) {
			return uintptr(unsafe.Pointer(&physMem[0])), nil
		}
		mapFn = func(mm.Page, mm.Frame) *kernel.Error { return expErr }

		if err := alloc.setupPoolBitmaps(); err != expErr {
			t.Fatalf("expected %v; got %v", expErr, err)
		}
	})
}

func TestBitmapAllocatorMarkFrame(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 127, freeCount: 128, freeBitmap: make([]uint64, 2)},
		},
		totalPages: 128,
	}

	for frame := mm.Frame(0); frame < 128; frame++ {
		alloc.markFrame(0, frame, markReserved)

		block := uint64(frame) / 64
		bitIndex := 63 - (uint64(frame) % 64)
		mask := uint64(1) << bitIndex
		if alloc.pools[0].freeBitmap[block]&mask != mask {
			t.Errorf("[frame %d] expected bit to be set", frame)
		}

		alloc.markFrame(0, frame, markFree)
		if alloc.pools[0].freeBitmap[block]&mask != 0 {
			t.Errorf("[frame %d] expected bit to be cleared", frame)
		}
	}

	// Out-of-range frame and negative pool index must both be no-ops.
	alloc.markFrame(0, mm.Frame(0xbadf00d), markReserved)
	alloc.markFrame(-1, mm.Frame(0), markReserved)
	for _, block := range alloc.pools[0].freeBitmap {
		if block != 0 {
			t.Fatal("expected markFrame to ignore out-of-range requests")
		}
	}
}

func TestBitmapAllocatorPoolForFrame(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 63, freeCount: 64, freeBitmap: make([]uint64, 1)},
			{startFrame: 128, endFrame: 191, freeCount: 64, freeBitmap: make([]uint64, 1)},
		},
	}

	specs := []struct {
		frame mm.Frame
		exp   int
	}{
		{0, 0},
		{63, 0},
		{64, -1},
		{128, 1},
		{192, -1},
	}
	for i, spec := range specs {
		if got := alloc.poolForFrame(spec.frame); got != spec.exp {
			t.Errorf("[spec %d] expected pool index %d; got %d", i, spec.exp, got)
		}
	}
}

func TestBitmapAllocatorAllocFramesFirstFit(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 63, freeCount: 64, freeBitmap: make([]uint64, 1)},
		},
		totalPages: 64,
	}

	// Reserve frames 0-3 up front so the next run must start at 4.
	for f := mm.Frame(0); f < 4; f++ {
		alloc.markFrame(0, f, markReserved)
	}

	frame, err := alloc.AllocFrames(4, 4)
	if err != nil {
		t.Fatalf("AllocFrames: %s", err)
	}
	// Frames 0-3 are reserved; the next 4-frame run aligned to a multiple
	// of 4 frames starts at frame 4.
	if exp := mm.Frame(4); frame != exp {
		t.Fatalf("expected first fit aligned to 4 frames to land at frame %d; got %d", exp, frame)
	}

	for f := frame; f < frame+4; f++ {
		if alloc.runIsFree(0, f, 1) {
			t.Errorf("expected frame %d to be reserved after AllocFrames", f)
		}
	}
}

func TestBitmapAllocatorAllocFramesOutOfMemory(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 7, freeCount: 0, freeBitmap: []uint64{0xff00000000000000}},
		},
		totalPages: 8,
	}

	if _, err := alloc.AllocFrames(1, 1); err != errBitmapAllocOutOfMemory {
		t.Fatalf("expected errBitmapAllocOutOfMemory; got %v", err)
	}
}

func TestBitmapAllocatorFreeFramesDoubleFreePanics(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 7, freeCount: 8, freeBitmap: make([]uint64, 1)},
		},
		totalPages: 8,
	}
	// Reserve frame 0 first so the first FreeFrames call below is freeing
	// a genuinely allocated frame rather than double-freeing from the start.
	alloc.markFrame(0, 0, markReserved)

	defer func() {
		if r := recover(); r != errBitmapAllocDoubleFree {
			t.Fatalf("expected panic with errBitmapAllocDoubleFree; got %v", r)
		}
	}()

	if err := alloc.FreeFrames(0, 1); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	_ = alloc.FreeFrames(0, 1)
	t.Fatal("expected the second FreeFrames call to panic")
}

func TestBitmapAllocatorFreeFramesNotManaged(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 7, freeCount: 8, freeBitmap: make([]uint64, 1)},
		},
		totalPages: 8,
	}

	if err := alloc.FreeFrames(100, 1); err != errBitmapAllocFrameNotManaged {
		t.Fatalf("expected errBitmapAllocFrameNotManaged; got %v", err)
	}
}

func TestBitmapAllocatorMarkRange(t *testing.T) {
	alloc := BitmapAllocator{
		pools: []framePool{
			{startFrame: 0, endFrame: 15, freeCount: 16, freeBitmap: make([]uint64, 1)},
		},
		totalPages: 16,
	}

	alloc.MarkRangeUsed(0, 3*mm.PageSize)
	for f := mm.Frame(0); f < 3; f++ {
		if alloc.runIsFree(0, f, 1) {
			t.Errorf("expected frame %d to be reserved after MarkRangeUsed", f)
		}
	}
	if !alloc.runIsFree(0, 3, 1) {
		t.Error("expected frame 3 to remain free")
	}

	alloc.MarkRangeFree(0, 3*mm.PageSize)
	for f := mm.Frame(0); f < 3; f++ {
		if !alloc.runIsFree(0, f, 1) {
			t.Errorf("expected frame %d to be free after MarkRangeFree", f)
		}
	}
}
