// Package cpu is the architecture façade: the one place where inline
// assembly, barriers, TLB/cache maintenance and MMIO accessors live. Every
// other kernel package depends on ARM only through this typed surface.
package cpu

// PagingFormat identifies which page-table descriptor format the running
// core uses. The choice is made once, at boot, from the ID register and
// held for the life of the system.
type PagingFormat uint8

const (
	// FormatShort is the ARMv6+ VMSA short-descriptor format: two-level,
	// 1 MiB section or 4 KiB small page, 32-bit physical addresses.
	FormatShort PagingFormat = iota

	// FormatLong is the ARMv7 LPAE long-descriptor format: three-level,
	// 2 MiB block or 4 KiB page, 40-bit physical addresses.
	FormatLong
)

var (
	// idFn is mocked by tests and is automatically inlined by the compiler.
	idFn = ID
)

// EnableInterrupts clears the IRQ/FIQ mask bits in CPSR.
func EnableInterrupts()

// DisableInterrupts sets the IRQ/FIQ mask bits in CPSR.
func DisableInterrupts()

// Halt stops instruction execution (wfi loop).
func Halt()

// DataSyncBarrier issues a DSB, ensuring all prior memory accesses complete
// before any subsequent instruction executes.
func DataSyncBarrier()

// InstructionSyncBarrier issues an ISB, flushing the pipeline so that
// subsequently fetched instructions see the effects of prior context
// changes (e.g. an MMU/cache enable or a page-table switch).
func InstructionSyncBarrier()

// FlushTLBEntry flushes a single TLB entry for a particular virtual
// address, in whichever ASID/VMID scope the active format requires.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLBAll flushes the entire TLB.
func FlushTLBAll()

// CleanInvalidateCache performs a clean+invalidate of the data and
// instruction caches, required after early boot page-table edits and
// before enabling the MMU.
func CleanInvalidateCache()

// SwitchContext sets the root translation table base to rootPhysAddr,
// selecting ttbr0 or ttbr1 according to the active PagingFormat, and
// performs the barrier/TLB maintenance the switch requires.
func SwitchContext(rootPhysAddr uintptr)

// ActiveContext returns the physical address of the currently active root
// translation table.
func ActiveContext() uintptr

// ID returns the Main ID Register (MIDR) and Memory Model Feature Register
// 0 (MMFR0) values used to decide the paging format and feature set of the
// running core.
func ID() (midr, mmfr0 uint32)

// MMIORead32 reads a 32-bit value from a device (strongly-ordered) address.
func MMIORead32(addr uintptr) uint32

// MMIOWrite32 writes a 32-bit value to a device (strongly-ordered) address.
func MMIOWrite32(addr uintptr, value uint32)

// mmfr0VMSAMask isolates the VMSA support field (bits 0-3) of ID_MMFR0.
const mmfr0VMSAMask = 0xf

// ID_MMFR0 VMSA support field enumerants (ARM ARM B4.1.96).
const (
	mmfr0VMSAv6        = 0x2
	mmfr0VMSAv7RemapAP = 0x3
	mmfr0VMSAv7PXN     = 0x4
	mmfr0VMSAv7LPAE    = 0x5
)

// PagingFormatOf decides which descriptor format this core should use,
// given its ID_MMFR0 value and whether LPAE support was requested by the
// board configuration. LPAE is only selected when both the hardware
// reports the LPAE enumerant and the caller asked for it; Raspberry Pi
// boards built around BCM2835/2836 (ARMv6/ARMv7-without-LPAE) always fall
// back to the short format.
func PagingFormatOf(mmfr0 uint32, wantLPAE bool) PagingFormat {
	if wantLPAE && mmfr0&mmfr0VMSAMask >= mmfr0VMSAv7LPAE {
		return FormatLong
	}
	return FormatShort
}

// DetectPagingFormat reads the ID register and returns the PagingFormat
// this core should use.
func DetectPagingFormat(wantLPAE bool) PagingFormat {
	_, mmfr0 := idFn()
	return PagingFormatOf(mmfr0, wantLPAE)
}
