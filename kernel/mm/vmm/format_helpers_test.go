package vmm

import "unsafe"

// uintptrOf returns the address of a test-local variable so format
// ReadEntry/WriteEntry implementations, which operate on raw addresses, can
// be exercised against ordinary Go memory instead of real page tables.
func uintptrOf(v interface{}) uintptr {
	switch p := v.(type) {
	case *uint32:
		return uintptr(unsafe.Pointer(p))
	case *uint64:
		return uintptr(unsafe.Pointer(p))
	default:
		panic("uintptrOf: unsupported type")
	}
}
