// Package cow tracks physical frames that are shared copy-on-write between
// address spaces after process duplication.
//
// A frame without a record is owned exclusively by a single address space. A
// record lists the processes that map the frame read-only; the tracker never
// frees frames but tells its callers when the last owner has let go of one.
package cow

import (
	"io"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/region"
	"kernmem/kernel/mm/vmm"
	"kernmem/kernel/sync"
)

// bucketCount is the number of hash buckets used to locate records. It must
// be a power of two.
const bucketCount = 1024

// none terminates record and owner chains.
const none = int32(-1)

var (
	// ErrNoRecordSpace is returned by Add when no record or owner entry
	// can be allocated.
	ErrNoRecordSpace = &kernel.Error{Module: "cow", Message: "no space for copy-on-write records"}

	errNotTracked     = &kernel.Error{Module: "cow", Message: "frame is not shared copy-on-write"}
	errNotOwner       = &kernel.Error{Module: "cow", Message: "process does not own copy-on-write frame"}
	errDuplicateOwner = &kernel.Error{Module: "cow", Message: "process already owns copy-on-write frame"}
	errFrameMismatch  = &kernel.Error{Module: "cow", Message: "faulting page does not map the shared frame"}
)

// PID identifies a process.
type PID uint32

// AddressSpace is the page table capability used to resolve faults.
type AddressSpace interface {
	Lookup(page mm.Page) (mm.Frame, vmm.PageTableEntryFlag, *kernel.Error)
	Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
}

// AddressSpaces resolves process IDs to address spaces.
type AddressSpaces interface {
	// Space returns the address space of pid or nil if no such process
	// exists.
	Space(pid PID) AddressSpace
}

// Window describes a reserved virtual address window.
type Window struct {
	Base, Size uintptr
}

// record tracks the owners of one shared frame. The first field doubles as
// the free list link while the record is free.
type record struct {
	next   int32
	count  int32
	owners int32
	_      int32
	frame  mm.Frame
}

// owner links a process into the owner list of a record.
type owner struct {
	next int32
	pid  PID
}

// Tracker records the owners of shared frames. All methods are safe for
// concurrent use; faults and teardown of a single address space must be
// serialized by the caller.
type Tracker struct {
	lock sync.Spinlock

	records *region.FreeList[record]
	owners  *region.FreeList[owner]
	buckets [bucketCount]int32

	backing region.Backing
	spaces  AddressSpaces
}

// NewTracker creates a tracker whose records and owner lists are stored in
// region arrays mapped into the supplied windows.
func NewTracker(pool *region.Pool, backing region.Backing, recordWindow, ownerWindow Window, spaces AddressSpaces) (*Tracker, *kernel.Error) {
	recordArray, err := region.Create[record](pool, backing, recordWindow.Base, recordWindow.Size)
	if err != nil {
		return nil, err
	}

	ownerArray, err := region.Create[owner](pool, backing, ownerWindow.Base, ownerWindow.Size)
	if err != nil {
		return nil, err
	}

	t := &Tracker{backing: backing, spaces: spaces}
	if t.records, err = region.NewFreeList(recordArray); err != nil {
		return nil, err
	}
	if t.owners, err = region.NewFreeList(ownerArray); err != nil {
		return nil, err
	}

	for i := range t.buckets {
		t.buckets[i] = none
	}

	return t, nil
}

// Shutdown releases the memory used by the tracker. Frames that are still
// shared are not released.
func (t *Tracker) Shutdown() {
	t.lock.Acquire()
	defer t.lock.Release()

	t.records.Array().Destroy()
	t.owners.Array().Destroy()
}

// Reserve grows the tracker's tables until at least records shared frames
// and owners owner entries can be added without allocating memory.
func (t *Tracker) Reserve(records, owners int) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if err := t.records.Reserve(records); err != nil {
		return err
	}
	return t.owners.Reserve(owners)
}

// Add registers pid as an owner of frame, creating the record for the frame
// if it is not shared yet. It must be called once for every process that
// gains a copy-on-write mapping of the frame. ErrNoRecordSpace is returned if
// the bookkeeping could not be allocated; the tracker is left unchanged in
// that case.
func (t *Tracker) Add(pid PID, frame mm.Frame) *kernel.Error {
	t.lock.Acquire()

	index, rec := t.find(frame)
	if rec != nil && t.hasOwner(rec, pid) {
		t.lock.Release()
		kfmt.Panic(errDuplicateOwner)
		return errDuplicateOwner
	}

	created := false
	if rec == nil {
		var err *kernel.Error
		if index, rec, err = t.allocRecord(frame); err != nil {
			t.lock.Release()
			return ErrNoRecordSpace
		}
		created = true
	}

	ownerIndex, node, err := t.owners.Alloc()
	if err != nil {
		if created {
			t.freeRecord(index, rec)
		}
		t.lock.Release()
		return ErrNoRecordSpace
	}

	node.pid = pid
	node.next = rec.owners
	rec.owners = int32(ownerIndex)
	rec.count++

	t.lock.Release()
	return nil
}

// Pagefault resolves a write fault by pid at addr on the shared frame.
//
// If pid is the only remaining owner, the record is dropped and the existing
// mapping is made writable; Pagefault returns 0. Otherwise the frame is copied
// into a fresh frame which is mapped writable at addr, pid is removed from
// the owners and Pagefault returns 1. The copy is made without holding the
// tracker lock; if the other owners have gone away in the meantime the fresh
// frame is released and the mapping is upgraded in place instead.
//
// A fault on a frame that pid does not share is an invariant violation and
// halts. An error is returned if no frame is available for the copy or the
// copy fails; ownership is left untouched in both cases.
func (t *Tracker) Pagefault(pid PID, addr uintptr, frame mm.Frame) (int, *kernel.Error) {
	page := mm.PageFromAddress(addr)

	t.lock.Acquire()
	index, rec := t.lockedOwnedRecord(pid, frame)
	space, flags := t.lockedMapping(pid, page, frame)
	if rec.count == 1 {
		t.freeRecord(index, rec)
		t.lock.Release()
		t.remap(space, page, frame, flags)
		return 0, nil
	}
	t.lock.Release()

	copyFrame, err := t.backing.Frames.AllocFrame()
	if err != nil {
		return 0, err
	}
	if err = t.backing.Memory.CopyFrame(copyFrame, frame); err != nil {
		_ = t.backing.Frames.FreeFrame(copyFrame)
		return 0, err
	}

	// re-validate; the owner set may have changed while copying
	t.lock.Acquire()
	index, rec = t.lockedOwnedRecord(pid, frame)
	if rec.count == 1 {
		t.freeRecord(index, rec)
		t.lock.Release()
		_ = t.backing.Frames.FreeFrame(copyFrame)
		t.remap(space, page, frame, flags)
		return 0, nil
	}
	t.removeOwner(rec, pid)
	t.lock.Release()

	t.remap(space, page, copyFrame, flags)
	return 1, nil
}

// Remove drops pid from the owners of frame when pid unmaps the page without
// having written to it. If pid was the last owner, the record is dropped and
// Remove returns framesToFree = 1 and foundOther = false; the caller must
// then release the frame. Removing an owner that was never added halts.
func (t *Tracker) Remove(pid PID, frame mm.Frame) (framesToFree int, foundOther bool) {
	t.lock.Acquire()

	index, rec := t.lockedOwnedRecord(pid, frame)
	t.removeOwner(rec, pid)
	if rec.count > 0 {
		t.lock.Release()
		return 0, true
	}

	t.freeRecord(index, rec)
	t.lock.Release()
	return 1, false
}

// Count returns the number of shared frames. It walks the whole table and is
// intended for diagnostics.
func (t *Tracker) Count() int {
	t.lock.Acquire()
	defer t.lock.Release()

	var count int
	t.visit(func(*record) bool {
		count++
		return true
	})
	return count
}

// Owners returns the processes that share frame or nil if the frame is not
// shared.
func (t *Tracker) Owners(frame mm.Frame) []PID {
	t.lock.Acquire()
	defer t.lock.Release()

	_, rec := t.find(frame)
	if rec == nil {
		return nil
	}
	return t.ownerList(rec)
}

// Print writes the shared frames and their owners to w (or to the kernel log
// if w is nil).
func (t *Tracker) Print(w io.Writer) {
	t.lock.Acquire()
	defer t.lock.Release()

	kfmt.Fprintf(w, "[cow] shared frames:\n")
	t.visit(func(rec *record) bool {
		kfmt.Fprintf(w, "\tframe %6d: %d owners %v\n", rec.frame, rec.count, t.ownerList(rec))
		return true
	})
}

// lockedOwnedRecord returns the record for frame and halts unless pid is one
// of its owners. The caller must hold the lock; it is released before
// halting.
func (t *Tracker) lockedOwnedRecord(pid PID, frame mm.Frame) (int32, *record) {
	index, rec := t.find(frame)
	switch {
	case rec == nil:
		t.lock.Release()
		kfmt.Panic(errNotTracked)
	case !t.hasOwner(rec, pid):
		t.lock.Release()
		kfmt.Panic(errNotOwner)
	}
	return index, rec
}

// lockedMapping returns the address space of pid and the flags of its
// mapping for page, halting unless the page maps frame. The caller must hold
// the lock; it is released before halting.
func (t *Tracker) lockedMapping(pid PID, page mm.Page, frame mm.Frame) (AddressSpace, vmm.PageTableEntryFlag) {
	space := t.spaces.Space(pid)
	if space == nil {
		t.lock.Release()
		kfmt.Panic(errFrameMismatch)
		return nil, 0
	}

	mapped, flags, err := space.Lookup(page)
	if err != nil || mapped != frame {
		t.lock.Release()
		kfmt.Panic(errFrameMismatch)
	}
	return space, flags
}

// remap maps frame writable at page keeping the remaining flags of the
// previous mapping.
func (t *Tracker) remap(space AddressSpace, page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) {
	if err := space.Map(page, frame, writable(flags)); err != nil {
		kfmt.Panic(err)
	}
}

// writable turns the flags of a copy-on-write mapping into those of an
// exclusive, writable one.
func writable(flags vmm.PageTableEntryFlag) vmm.PageTableEntryFlag {
	return (flags &^ (vmm.FlagCopyOnWrite | vmm.FlagShared)) | vmm.FlagRW
}

func bucketFor(frame mm.Frame) int {
	return int(frame & (bucketCount - 1))
}

// find returns the record for frame. The caller must hold the lock.
func (t *Tracker) find(frame mm.Frame) (int32, *record) {
	for index := t.buckets[bucketFor(frame)]; index != none; {
		rec := t.records.Get(int(index))
		if rec.frame == frame {
			return index, rec
		}
		index = rec.next
	}
	return none, nil
}

func (t *Tracker) allocRecord(frame mm.Frame) (int32, *record, *kernel.Error) {
	index, rec, err := t.records.Alloc()
	if err != nil {
		return none, nil, err
	}

	bucket := bucketFor(frame)
	rec.frame = frame
	rec.owners = none
	rec.next = t.buckets[bucket]
	t.buckets[bucket] = int32(index)
	return int32(index), rec, nil
}

// freeRecord unlinks a record from its bucket and releases it together with
// its remaining owner entries.
func (t *Tracker) freeRecord(index int32, rec *record) {
	bucket := bucketFor(rec.frame)
	if t.buckets[bucket] == index {
		t.buckets[bucket] = rec.next
	} else {
		for cur := t.records.Get(int(t.buckets[bucket])); ; cur = t.records.Get(int(cur.next)) {
			if cur.next == index {
				cur.next = rec.next
				break
			}
		}
	}

	for cur := rec.owners; cur != none; {
		next := t.owners.Get(int(cur)).next
		t.owners.Free(int(cur))
		cur = next
	}

	t.records.Free(int(index))
}

func (t *Tracker) hasOwner(rec *record, pid PID) bool {
	for cur := rec.owners; cur != none; {
		node := t.owners.Get(int(cur))
		if node.pid == pid {
			return true
		}
		cur = node.next
	}
	return false
}

// removeOwner unlinks pid from the owners of rec. The caller has verified
// that pid is an owner.
func (t *Tracker) removeOwner(rec *record, pid PID) {
	prev := none
	for cur := rec.owners; cur != none; {
		node := t.owners.Get(int(cur))
		if node.pid == pid {
			if prev == none {
				rec.owners = node.next
			} else {
				t.owners.Get(int(prev)).next = node.next
			}
			t.owners.Free(int(cur))
			rec.count--
			return
		}
		prev, cur = cur, node.next
	}
}

func (t *Tracker) ownerList(rec *record) []PID {
	pids := make([]PID, 0, rec.count)
	for cur := rec.owners; cur != none; {
		node := t.owners.Get(int(cur))
		pids = append(pids, node.pid)
		cur = node.next
	}
	return pids
}

func (t *Tracker) visit(visitor func(*record) bool) {
	for _, head := range t.buckets {
		for index := head; index != none; {
			rec := t.records.Get(int(index))
			if !visitor(rec) {
				return
			}
			index = rec.next
		}
	}
}
