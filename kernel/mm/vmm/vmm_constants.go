package vmm

import "kernmem/kernel/mm"

const (
	// pageLevels indicates the number of page table levels walked for
	// each translation.
	pageLevels = 4

	// pageLevelBits is the number of virtual address bits that index each
	// page table. A table occupies exactly one frame.
	pageLevelBits = mm.PageShift - mm.PointerShift

	// entriesPerTable is the number of entries in a page table.
	entriesPerTable = 1 << pageLevelBits

	// ptePhysPageMask extracts the physical frame address stored in a page
	// table entry.
	ptePhysPageMask = uintptr(0x000fffffffffffff) &^ (mm.PageSize - 1)

	// kernelSpaceEnd is the end of the kernel address space. Windows
	// handed out by ReserveWindow are carved downwards from this address.
	kernelSpaceEnd = uintptr(0xffffff8000000000)

	// kernelSpaceStart is the lowest address that ReserveWindow can hand
	// out.
	kernelSpaceStart = uintptr(0xffff800000000000)
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address.
var pageLevelShifts = [pageLevels]uint8{
	uint8(mm.PageShift + 3*pageLevelBits),
	uint8(mm.PageShift + 2*pageLevelBits),
	uint8(mm.PageShift + pageLevelBits),
	uint8(mm.PageShift),
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set when this page is accessed.
	FlagAccessed

	// FlagDirty is set when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using large pages. Large pages are not
	// supported and Map rejects them.
	FlagHugePage

	// FlagGlobal if set, prevents the cached translation for this page from
	// being flushed when switching address spaces.
	FlagGlobal

	// FlagCopyOnWrite marks a read-only page whose frame is shared with
	// other address spaces. A write to it must be resolved by the
	// copy-on-write tracker. This flag and FlagRW are mutually exclusive.
	FlagCopyOnWrite = 1 << 9

	// FlagShared marks a page whose frame may be mapped by other address
	// spaces. Ownership of such frames is tracked by the copy-on-write
	// tracker instead of the address space.
	FlagShared = 1 << 10

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute = 1 << 63
)
