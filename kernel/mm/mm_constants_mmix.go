//go:build mmix

package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). MMIX uses 8K pages.
	PageShift = uintptr(13)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)
)
