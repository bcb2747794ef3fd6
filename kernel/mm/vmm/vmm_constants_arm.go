package vmm

import "github.com/bolthur/kernel-sub005/kernel"

// PageTableEntryFlag describes a logical, format-independent flag that can
// be applied to a mapping. Format.EncodeLeaf translates these into the
// hardware bits of the active descriptor format.
type PageTableEntryFlag uintptr

const (
	// FlagRW marks the page writable. Omitting it maps the page
	// read-only.
	FlagRW PageTableEntryFlag = 1 << iota

	// FlagUserAccessible allows unprivileged (user-mode) access. Without
	// it only kernel code can reach the page.
	FlagUserAccessible

	// FlagNoExecute marks the page non-executable.
	FlagNoExecute

	// FlagCopyOnWrite is used together with a read-only mapping of
	// ReservedZeroedFrame to implement on-demand allocation; the page
	// fault handler allocates a private frame and grants FlagRW on
	// first write.
	FlagCopyOnWrite

	// FlagOverwrite permits Map to replace an existing present mapping
	// instead of failing with ErrAlreadyMapped. It is a Map()-time
	// instruction, never written to a descriptor.
	FlagOverwrite
)

const (
	// kernelSplitAddr is the virtual address at and above which the
	// kernel half of every address space lives. User and kernel
	// contexts share the leaf tables mapping this range so that a
	// syscall or interrupt entry sees the same kernel mappings
	// regardless of which process was running.
	kernelSplitAddr = uintptr(0xc0000000)

	// directMapBase anchors a permanent 1:1 mapping of all physical RAM
	// into the kernel half of every context: physical address p is
	// always reachable at directMapBase+p. MapTemporary/UnmapTemporary
	// implement spec's "fixed kernel-virtual window" in terms of this
	// mapping rather than a single mutable PTE slot, which lets more
	// than one frame be momentarily addressable at once (e.g. while
	// copying between two frames) without extra bookkeeping.
	//
	// Board bring-up code (out of CORE scope: it runs before virtual
	// memory exists) is responsible for making this range reachable
	// before Init runs, either literally or via an identity map that
	// Init's own layout extends; Init never assumes a specific prior
	// table shape beyond "physical RAM is reachable here".
	directMapBase = kernelSplitAddr
)

var (
	// ErrInvalidMapping is returned when trying to resolve a virtual
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrAlreadyMapped is returned by Map when the target page already
	// has a present mapping and FlagOverwrite was not supplied.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrActiveContext is the value DestroyContext panics with when asked
	// to tear down the currently active context.
	ErrActiveContext = &kernel.Error{Module: "vmm", Message: "cannot destroy the active context"}

	errNoHugePageSupport           = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)
