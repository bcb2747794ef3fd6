package task

import "github.com/bolthur/kernel-sub005/kernel"

// stackSlotSize is the user stack footprint handed to each thread: one page
// of guard gap plus stackPages worth of usable stack.
const (
	stackPages          = 4
	stackSlotSize       = uintptr((stackPages + 1)) * 0x1000
	reservedStackRegion = 256 * stackSlotSize // room carved out of a process's user half before the bump allocator for shared regions starts
)

var errSlotsExhausted = &kernel.Error{Module: "task", Message: "process stack-slot region exhausted"}

// stackSlotManager hands out fixed-size user stack slots out of the region
// [base, base+reservedStackRegion), reusing freed slots before growing the
// high-water mark. spec.md keeps an explicit "find min/max over free slots"
// requirement (originally an AVL tree over holes); a sorted slice is kept
// here instead.
type stackSlotManager struct {
	base      uintptr
	slotSize  uintptr
	highWater uintptr
	limit     uintptr
	holes     []uintptr // sorted ascending
}

func newStackSlotManager(base, slotSize uintptr) *stackSlotManager {
	return &stackSlotManager{
		base:      base,
		slotSize:  slotSize,
		highWater: base,
		limit:     base + reservedStackRegion,
	}
}

// Allocate returns the base address of a free slot, preferring a previously
// freed hole over extending the high-water mark.
func (m *stackSlotManager) Allocate() (uintptr, *kernel.Error) {
	if n := len(m.holes); n > 0 {
		slot := m.holes[n-1]
		m.holes = m.holes[:n-1]
		return slot, nil
	}
	if m.highWater+m.slotSize > m.limit {
		return 0, errSlotsExhausted
	}
	slot := m.highWater
	m.highWater += m.slotSize
	return slot, nil
}

// Free returns slot to the hole set, keeping it sorted so MinHole/MaxHole
// run in constant time.
func (m *stackSlotManager) Free(slot uintptr) {
	i := 0
	for i < len(m.holes) && m.holes[i] < slot {
		i++
	}
	m.holes = append(m.holes, 0)
	copy(m.holes[i+1:], m.holes[i:])
	m.holes[i] = slot
}

// MinHole reports the lowest freed slot not yet reused, if any.
func (m *stackSlotManager) MinHole() (uintptr, bool) {
	if len(m.holes) == 0 {
		return 0, false
	}
	return m.holes[0], true
}

// MaxHole reports the highest freed slot not yet reused, if any.
func (m *stackSlotManager) MaxHole() (uintptr, bool) {
	if len(m.holes) == 0 {
		return 0, false
	}
	return m.holes[len(m.holes)-1], true
}
