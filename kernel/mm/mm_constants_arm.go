package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). ARMv6/ARMv7
	// are 32-bit architectures so the pointer size is (1 << PointerShift)
	// == 4 bytes.
	PointerShift = uintptr(2)

	// PageShift is equal to log2(PageSize). This constant is used when we
	// need to convert a physical address to a page number (shift right by
	// PageShift) and vice-versa. Both the VMSAv6 short format and the
	// LPAE long format agree on a 4 KiB small page as their finest
	// granularity.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)
