package proc

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/mm/vmm"
	"kernmem/kernel/sync"
)

var errAlreadyMapped = &kernel.Error{Module: "proc", Message: "page is already mapped"}

// Stats describes the memory used by a process.
type Stats struct {
	// OwnFrames is the number of frames mapped exclusively.
	OwnFrames int

	// SharedFrames is the number of mapped frames that may be shared
	// with other processes.
	SharedFrames int

	// PageTables is the number of frames used by the page tables.
	PageTables int
}

// Process is an address space owned by a process ID. Faults, duplication and
// teardown of a process are serialized by its lock.
type Process struct {
	PID cow.PID

	lock   sync.Spinlock
	table  *Table
	space  *vmm.PageTable
	own    int
	shared int
	exited bool
}

// Space returns the page table of the process.
func (p *Process) Space() *vmm.PageTable {
	return p.space
}

// Stats returns the memory statistics of the process.
func (p *Process) Stats() Stats {
	p.lock.Acquire()
	defer p.lock.Release()

	return Stats{
		OwnFrames:    p.own,
		SharedFrames: p.shared,
		PageTables:   p.space.TableCount(),
	}
}

// MapAnon maps pageCount zeroed frames starting at addr. The pages are
// writable if writable is set. On failure, the pages mapped so far are
// released.
func (p *Process) MapAnon(addr uintptr, pageCount int, writable bool) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.exited {
		return errNotRunning
	}

	flags := vmm.FlagUserAccessible | vmm.FlagNoExecute
	if writable {
		flags |= vmm.FlagRW
	}

	start := mm.PageFromAddress(addr)
	for i := 0; i < pageCount; i++ {
		if _, _, err := p.space.Lookup(start + mm.Page(i)); err == nil {
			p.unmapAnon(start, i)
			return errAlreadyMapped
		}

		frame, err := p.table.frames.AllocFrame()
		if err == nil {
			if err = p.table.mem.ZeroFrame(frame); err == nil {
				err = p.space.Map(start+mm.Page(i), frame, flags)
			}
			if err != nil {
				_ = p.table.frames.FreeFrame(frame)
			}
		}

		if err != nil {
			p.unmapAnon(start, i)
			return err
		}
		p.own++
	}

	return nil
}

// unmapAnon releases the first count pages mapped by MapAnon at start. The
// caller must hold the lock.
func (p *Process) unmapAnon(start mm.Page, count int) {
	for i := 0; i < count; i++ {
		page := start + mm.Page(i)
		frame, _, err := p.space.Lookup(page)
		if err != nil {
			continue
		}
		_ = p.space.Unmap(page)
		_ = p.table.frames.FreeFrame(frame)
		p.own--
	}
}

// Write copies data to the address space starting at addr the way a user
// mode store would: writes to read-only pages raise a fault which may be
// resolved by the copy-on-write tracker.
func (p *Process) Write(addr uintptr, data []byte) *kernel.Error {
	for len(data) != 0 {
		page := mm.PageFromAddress(addr)
		offset := vmm.PageOffset(addr)

		p.lock.Acquire()
		frame, flags, err := p.space.Lookup(page)
		if err == nil && flags&vmm.FlagRW != 0 {
			n := copy(p.table.mem.Frame(frame)[offset:], data)
			_ = p.space.SetFlags(page, vmm.FlagAccessed|vmm.FlagDirty)
			p.lock.Release()

			addr += uintptr(n)
			data = data[n:]
			continue
		}
		p.lock.Release()

		code := FaultUser | FaultWrite
		if err == nil {
			code |= FaultPresent
		}
		if err = p.HandleFault(addr, code); err != nil {
			return err
		}
	}

	return nil
}

// Read copies len(buf) bytes starting at addr into buf. Reading an unmapped
// page raises a fault which cannot be resolved.
func (p *Process) Read(addr uintptr, buf []byte) *kernel.Error {
	for len(buf) != 0 {
		page := mm.PageFromAddress(addr)
		offset := vmm.PageOffset(addr)

		p.lock.Acquire()
		frame, _, err := p.space.Lookup(page)
		if err != nil {
			p.lock.Release()
			if err = p.HandleFault(addr, FaultUser); err != nil {
				return err
			}
			continue
		}

		n := copy(buf, p.table.mem.Frame(frame)[offset:])
		_ = p.space.SetFlags(page, vmm.FlagAccessed)
		p.lock.Release()

		addr += uintptr(n)
		buf = buf[n:]
	}

	return nil
}

// Exit releases the address space of the process. Exclusively owned frames
// are returned to the frame allocator; shared frames are released once their
// last owner exits.
func (p *Process) Exit() {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.exited {
		return
	}

	var tracker *cow.Tracker
	if p.shared != 0 {
		var err *kernel.Error
		if tracker, err = p.table.cowTracker(); err != nil {
			kfmt.Panic(err)
		}
	}

	for _, m := range p.mappings() {
		if m.flags&vmm.FlagShared == 0 {
			_ = p.table.frames.FreeFrame(m.frame)
			p.own--
			continue
		}

		if framesToFree, _ := tracker.Remove(p.PID, m.frame); framesToFree != 0 {
			_ = p.table.frames.FreeFrame(m.frame)
		}
		p.shared--
	}

	p.space.Destroy()
	p.exited = true
	p.table.unregister(p.PID)
}

type mapping struct {
	page  mm.Page
	frame mm.Frame
	flags vmm.PageTableEntryFlag
}

// mappings returns a snapshot of the mapped pages. The caller must hold the
// lock.
func (p *Process) mappings() []mapping {
	var list []mapping
	p.space.VisitMappings(func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) bool {
		list = append(list, mapping{page, frame, flags})
		return true
	})
	return list
}
