// Package vmm implements page tables for the simulated machine. Page tables
// live in physical frames obtained from a frame allocator and are walked in
// software the way the MMU would walk them.
package vmm

import (
	"unsafe"

	"kernmem/kernel"
	"kernmem/kernel/mm"
	"kernmem/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errBadTableFrame     = &kernel.Error{Module: "vmm", Message: "page table frame is not backed by physical memory"}
	errTableDestroyed    = &kernel.Error{Module: "vmm", Message: "page table has been destroyed"}
)

// Mapper is implemented by address spaces that can install and remove page
// mappings.
type Mapper interface {
	// Map establishes a mapping between a virtual page and a physical
	// frame replacing any previous mapping for the page.
	Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error

	// Unmap removes the mapping for a virtual page.
	Unmap(page mm.Page) *kernel.Error
}

// PhysicalMemory provides access to the contents of physical frames.
type PhysicalMemory interface {
	Frame(frame mm.Frame) []byte
	ZeroFrame(frame mm.Frame) *kernel.Error
	CopyFrame(dst, src mm.Frame) *kernel.Error
}

// PageTable is a multi-level page table whose tables are stored in physical
// frames. All methods are safe for concurrent use.
type PageTable struct {
	lock sync.Spinlock

	mem    PhysicalMemory
	frames mm.FrameAllocator

	root       mm.Frame
	tableCount int
	mappings   int

	// reserveLastUsed tracks the last reserved window address and is
	// decreased after each ReserveWindow call.
	reserveLastUsed uintptr
}

// NewPageTable allocates the top-level table of a new, empty address space.
// Frames for the tables are obtained from frames and accessed through mem.
func NewPageTable(mem PhysicalMemory, frames mm.FrameAllocator) (*PageTable, *kernel.Error) {
	pt := &PageTable{
		mem:             mem,
		frames:          frames,
		root:            mm.InvalidFrame,
		reserveLastUsed: kernelSpaceEnd,
	}

	root, err := pt.allocTable()
	if err != nil {
		return nil, err
	}

	pt.root = root
	return pt, nil
}

// Root returns the frame that holds the top-level table.
func (pt *PageTable) Root() mm.Frame {
	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.root
}

// TableCount returns the number of frames used by the page tables.
func (pt *PageTable) TableCount() int {
	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.tableCount
}

// MappingCount returns the number of mapped pages.
func (pt *PageTable) MappingCount() int {
	pt.lock.Acquire()
	defer pt.lock.Release()
	return pt.mappings
}

// Destroy releases the frames used by the page tables. The frames that the
// mappings point to are owned by the caller and are not released.
func (pt *PageTable) Destroy() {
	pt.lock.Acquire()
	defer pt.lock.Release()

	if pt.root == mm.InvalidFrame {
		return
	}

	pt.freeTable(pt.root, 0)
	pt.root = mm.InvalidFrame
	pt.mappings = 0
}

// allocTable allocates and clears a frame for a page table.
func (pt *PageTable) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := pt.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	if len(pt.mem.Frame(frame)) < int(mm.PageSize) {
		_ = pt.frames.FreeFrame(frame)
		return mm.InvalidFrame, errBadTableFrame
	}

	if err = pt.mem.ZeroFrame(frame); err != nil {
		_ = pt.frames.FreeFrame(frame)
		return mm.InvalidFrame, err
	}

	pt.tableCount++
	return frame, nil
}

// freeTable releases the table stored at frame and every table below it.
func (pt *PageTable) freeTable(frame mm.Frame, level uint8) {
	if level < pageLevels-1 {
		for _, pte := range pt.table(frame) {
			if pte.HasFlags(FlagPresent) {
				pt.freeTable(pte.Frame(), level+1)
			}
		}
	}

	_ = pt.frames.FreeFrame(frame)
	pt.tableCount--
}

// table returns the entries of the page table stored at frame.
func (pt *PageTable) table(frame mm.Frame) []pageTableEntry {
	data := pt.mem.Frame(frame)
	if len(data) < int(mm.PageSize) {
		return nil
	}

	return unsafe.Slice((*pageTableEntry)(unsafe.Pointer(&data[0])), entriesPerTable)
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. Before returning true for a non-final level, walkFn must ensure
// that the entry points to the next table. The caller must hold the lock.
func (pt *PageTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pt.root
	for level := uint8(0); level < pageLevels; level++ {
		entries := pt.table(tableFrame)
		if entries == nil {
			return
		}

		entryIndex := (virtAddr >> pageLevelShifts[level]) & (entriesPerTable - 1)
		pte := &entries[entryIndex]
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address or ErrInvalidMapping if the page is not present.
// The caller must hold the lock.
func (pt *PageTable) pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   = ErrInvalidMapping
		entry *pageTableEntry
	)

	if pt.root == mm.InvalidFrame {
		return nil, errTableDestroyed
	}

	pt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry, err = pte, nil
		}
		return true
	})

	return entry, err
}

// canonical sign-extends the most significant translated bit of addr.
func canonical(addr uintptr) uintptr {
	topBit := uint(pageLevelShifts[0]) + uint(pageLevelBits)
	if addr&(1<<(topBit-1)) != 0 {
		addr |= ^uintptr(0) << topBit
	}
	return addr
}
