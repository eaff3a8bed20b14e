package vmm

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
)

var errNoWindowSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

// Map establishes a mapping between a virtual page and a physical memory frame.
// Missing intermediate tables are allocated from the page table's frame
// allocator. An existing mapping for the page is replaced. FlagPresent is
// always set on the new entry.
func (pt *PageTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if flags&FlagHugePage != 0 {
		return errNoHugePageSupport
	}

	pt.lock.Acquire()
	defer pt.lock.Release()

	if pt.root == mm.InvalidFrame {
		return errTableDestroyed
	}

	var err *kernel.Error
	pt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			if !pte.HasFlags(FlagPresent) {
				pt.mappings++
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		// Next table does not yet exist
		if !pte.HasFlags(FlagPresent) {
			var next mm.Frame
			if next, err = pt.allocTable(); err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(next)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return err
}

// MapRegion maps pageCount consecutive pages starting at page to consecutive
// frames starting at frame. On failure, the pages mapped so far are unmapped
// again.
func (pt *PageTable) MapRegion(page mm.Page, frame mm.Frame, pageCount uintptr, flags PageTableEntryFlag) *kernel.Error {
	for i := uintptr(0); i < pageCount; i++ {
		if err := pt.Map(page+mm.Page(i), frame+mm.Frame(i), flags); err != nil {
			for ; i > 0; i-- {
				_ = pt.Unmap(page + mm.Page(i-1))
			}
			return err
		}
	}

	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (pt *PageTable) Unmap(page mm.Page) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	*pte = 0
	pt.mappings--
	return nil
}

// Lookup returns the frame and flags of the mapping for page.
func (pt *PageTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.pteForAddress(page.Address())
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return pte.Frame(), pte.Flags(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pt *PageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// SetFlags sets flags on the mapping for page.
func (pt *PageTable) SetFlags(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	pte.SetFlags(flags)
	return nil
}

// ClearFlags clears flags on the mapping for page. FlagPresent cannot be
// cleared; use Unmap instead.
func (pt *PageTable) ClearFlags(page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	pt.lock.Acquire()
	defer pt.lock.Release()

	pte, err := pt.pteForAddress(page.Address())
	if err != nil {
		return err
	}

	pte.ClearFlags(flags &^ FlagPresent)
	return nil
}

// VisitMappings invokes visitor for each mapped page in ascending address
// order until it returns false. The page table lock is held while visiting so
// the visitor must not call back into the page table.
func (pt *PageTable) VisitMappings(visitor func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) bool) {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if pt.root == mm.InvalidFrame {
		return
	}

	pt.visit(pt.root, 0, 0, visitor)
}

func (pt *PageTable) visit(table mm.Frame, level uint8, base uintptr, visitor func(mm.Page, mm.Frame, PageTableEntryFlag) bool) bool {
	for index, pte := range pt.table(table) {
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		addr := base | uintptr(index)<<pageLevelShifts[level]
		if level < pageLevels-1 {
			if !pt.visit(pte.Frame(), level+1, addr, visitor) {
				return false
			}
			continue
		}

		if !visitor(mm.PageFromAddress(canonical(addr)), pte.Frame(), pte.Flags()) {
			return false
		}
	}

	return true
}

// ReserveWindow reserves a page-aligned contiguous virtual memory window with
// the requested size in the kernel part of the address space and returns its
// virtual address. If size is not a multiple of mm.PageSize it will be
// automatically rounded up. Windows are handed out from the end of the kernel
// address space downwards and are never returned.
func (pt *PageTable) ReserveWindow(size uintptr) (uintptr, *kernel.Error) {
	size = mm.PageAlignUp(size)

	pt.lock.Acquire()
	defer pt.lock.Release()

	// reserving a window of the requested size would leave the kernel
	// address space
	if size > pt.reserveLastUsed-kernelSpaceStart {
		return 0, errNoWindowSpace
	}

	pt.reserveLastUsed -= size
	return pt.reserveLastUsed, nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
