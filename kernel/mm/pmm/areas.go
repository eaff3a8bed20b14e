// Package pmm owns the free physical memory of the machine. The free memory
// is tracked as a list of disjoint areas which is seeded from the boot memory
// map and consumed from the front when frames are allocated.
package pmm

import (
	"cmp"
	"io"
	"slices"

	"kernmem/kernel"
	"kernmem/kernel/hal/multiboot"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/sync"
)

// MaxAreas bounds the number of disjoint free areas that can be tracked. The
// descriptors are allocated together with the AreaList so that describing
// free memory never requires dynamic memory.
const MaxAreas = 64

// noArea terminates area lists.
const noArea = -1

var (
	// ErrOutOfMemory is returned when no run of free frames large enough
	// to satisfy an allocation exists.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrTooManyAreas is returned when the free memory becomes too
	// fragmented to be described by MaxAreas descriptors.
	ErrTooManyAreas = &kernel.Error{Module: "pmm", Message: "no free memory area descriptors"}

	// ErrAlreadyInitialized is returned by a second InitFromBootMap call.
	ErrAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "memory areas already initialized"}

	errDoubleFree = &kernel.Error{Module: "pmm", Message: "frame freed twice"}
)

// Range describes the physical byte range [Start, End).
type Range struct {
	Start, End uintptr
}

// Reclaimer is implemented by a backing-store collaborator that can return
// frames to the free pool (e.g. by swapping out user pages). The AreaList
// never swaps by itself.
type Reclaimer interface {
	// Reclaim tries to free at least frameCount frames. It returns false
	// if it could not make progress.
	Reclaim(frameCount uintptr) bool
}

// memArea is a maximal contiguous run of free physical memory.
type memArea struct {
	addr uintptr
	size uintptr
	next int
}

func (a *memArea) end() uintptr {
	return a.addr + a.size
}

// AreaList tracks the free physical memory areas. Areas never overlap and
// never have zero size; the list is not sorted.
type AreaList struct {
	lock sync.Spinlock

	areas [MaxAreas]memArea
	head  int
	free  int

	initialized bool
	totalBytes  uintptr

	reclaimer Reclaimer
}

// NewAreaList returns an empty AreaList.
func NewAreaList() *AreaList {
	list := new(AreaList)
	list.reset()
	return list
}

// reset links every descriptor into the free descriptor list.
func (l *AreaList) reset() {
	l.head = noArea
	l.free = noArea
	for i := MaxAreas - 1; i >= 0; i-- {
		l.areas[i] = memArea{next: l.free}
		l.free = i
	}
	l.initialized = false
	l.totalBytes = 0
}

// SetReclaimer registers the collaborator consulted by Reserve.
func (l *AreaList) SetReclaimer(r Reclaimer) {
	l.lock.Acquire()
	l.reclaimer = r
	l.lock.Release()
}

// InitFromBootMap seeds the list with the available regions of the boot
// memory map and removes the reserved ranges (kernel image, boot modules)
// from them. Available regions are rounded inwards to whole frames; reserved
// ranges are rounded outwards. It must run exactly once before any frame is
// allocated.
func (l *AreaList) InitFromBootMap(entries []multiboot.MemoryMapEntry, reserved []Range) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	if l.initialized {
		return ErrAlreadyInitialized
	}

	for _, entry := range entries {
		if entry.Type != multiboot.MemAvailable || entry.Length < uint64(mm.PageSize) {
			continue
		}

		if err := l.add(uintptr(entry.PhysAddress), uintptr(entry.PhysAddress+entry.Length)); err != nil {
			l.reset()
			return err
		}
	}

	for _, r := range reserved {
		if err := l.remove(r.Start, r.End); err != nil {
			l.reset()
			return err
		}
	}

	l.initialized = true
	l.totalBytes = l.available()
	return nil
}

// Shutdown forgets all tracked areas. The list can be initialized again
// afterwards.
func (l *AreaList) Shutdown() {
	l.lock.Acquire()
	l.reset()
	l.lock.Release()
}

// Allocate removes frameCount contiguous frames from the front of the first
// area that is large enough and returns the first frame of the run.
// ErrOutOfMemory is returned if no area can satisfy the request; the list is
// left untouched in that case.
func (l *AreaList) Allocate(frameCount uintptr) (mm.Frame, *kernel.Error) {
	if frameCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	bytes := frameCount << mm.PageShift

	l.lock.Acquire()
	defer l.lock.Release()

	for prev, cur := noArea, l.head; cur != noArea; prev, cur = cur, l.areas[cur].next {
		area := &l.areas[cur]
		if area.size < bytes {
			continue
		}

		frame := mm.FrameFromAddress(area.addr)
		area.addr += bytes
		area.size -= bytes
		if area.size == 0 {
			l.unlink(prev, cur)
		}

		return frame, nil
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// Free returns frameCount frames starting at first to the free memory. Freeing
// a frame that is already free is an invariant violation and halts.
func (l *AreaList) Free(first mm.Frame, frameCount uintptr) *kernel.Error {
	start := first.Address()
	end := start + frameCount<<mm.PageShift

	l.lock.Acquire()
	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		if l.areas[cur].addr < end && l.areas[cur].end() > start {
			l.lock.Release()
			kfmt.Panic(errDoubleFree)
			return errDoubleFree
		}
	}

	err := l.add(start, end)
	l.lock.Release()
	return err
}

// AllocFrame allocates a single frame. It allows an AreaList to be used as a
// mm.FrameAllocator.
func (l *AreaList) AllocFrame() (mm.Frame, *kernel.Error) {
	return l.Allocate(1)
}

// FreeFrame releases a single frame.
func (l *AreaList) FreeFrame(frame mm.Frame) *kernel.Error {
	return l.Free(frame, 1)
}

// Add inserts [start, end) into the free memory, merging it with any area it
// touches or overlaps. Only whole frames are tracked so the range is rounded
// inwards. Adding memory that is already free has no effect.
func (l *AreaList) Add(start, end uintptr) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.add(start, end)
}

// Remove excises [start, end) from the free memory, splitting an area that
// straddles the range. The range is rounded outwards so that partially
// covered frames are removed too. Removing memory that is not free has no
// effect.
func (l *AreaList) Remove(start, end uintptr) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.remove(start, end)
}

// Reserve reports whether frameCount frames can be allocated. If not enough
// memory is free and a Reclaimer is registered, it is asked to make room
// first. Reserve never blocks on the reclaimer's behalf; the caller decides
// whether to retry.
func (l *AreaList) Reserve(frameCount uintptr) bool {
	l.lock.Acquire()
	avail := l.available() >> mm.PageShift
	reclaimer := l.reclaimer
	l.lock.Release()

	if avail >= frameCount {
		return true
	}

	if reclaimer == nil || !reclaimer.Reclaim(frameCount-avail) {
		return false
	}

	return l.AvailableBytes()>>mm.PageShift >= frameCount
}

// TotalBytes returns the amount of free memory that was present once
// InitFromBootMap completed. It does not change when frames are allocated or
// freed. This is an O(1) call.
func (l *AreaList) TotalBytes() uintptr {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.totalBytes
}

// AvailableBytes returns the amount of currently free memory. It walks the
// whole list and is intended for diagnostics.
func (l *AreaList) AvailableBytes() uintptr {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.available()
}

// AreaCount returns the number of tracked areas.
func (l *AreaList) AreaCount() int {
	l.lock.Acquire()
	defer l.lock.Release()

	var count int
	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		count++
	}
	return count
}

// VisitAreas invokes visitor for each free area in list order. The list lock
// is held while visiting so the visitor must not call back into the list.
func (l *AreaList) VisitAreas(visitor func(start, size uintptr) bool) {
	l.lock.Acquire()
	defer l.lock.Release()

	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		if !visitor(l.areas[cur].addr, l.areas[cur].size) {
			return
		}
	}
}

// Areas returns a snapshot of the free areas sorted by start address. The
// list itself stays unsorted.
func (l *AreaList) Areas() []Range {
	l.lock.Acquire()
	var areas []Range
	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		areas = append(areas, Range{Start: l.areas[cur].addr, End: l.areas[cur].end()})
	}
	l.lock.Release()

	slices.SortFunc(areas, func(a, b Range) int { return cmp.Compare(a.Start, b.Start) })
	return areas
}

// PrintMemoryMap writes the free areas in address order to w (or to the
// kernel log if w is nil).
func (l *AreaList) PrintMemoryMap(w io.Writer) {
	kfmt.Fprintf(w, "[pmm] free memory areas:\n")
	for _, area := range l.Areas() {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d\n", area.Start, area.End, area.End-area.Start)
	}
	kfmt.Fprintf(w, "[pmm] available memory: %dKb of %dKb\n", l.AvailableBytes()>>10, l.TotalBytes()>>10)
}

func (l *AreaList) available() uintptr {
	var total uintptr
	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		total += l.areas[cur].size
	}
	return total
}

func (l *AreaList) add(start, end uintptr) *kernel.Error {
	start = mm.PageAlignUp(start)
	end = mm.PageAlignDown(end)
	if start >= end {
		return nil
	}

	// absorb every area that touches or overlaps the new range
	for prev, cur := noArea, l.head; cur != noArea; {
		area := &l.areas[cur]
		next := area.next
		if area.addr <= end && area.end() >= start {
			start = min(start, area.addr)
			end = max(end, area.end())
			l.unlink(prev, cur)
		} else {
			prev = cur
		}
		cur = next
	}

	index := l.allocDescriptor()
	if index == noArea {
		return ErrTooManyAreas
	}

	l.areas[index].addr = start
	l.areas[index].size = end - start
	l.areas[index].next = l.head
	l.head = index
	return nil
}

func (l *AreaList) remove(start, end uintptr) *kernel.Error {
	start = mm.PageAlignDown(start)
	end = mm.PageAlignUp(end)
	if start >= end {
		return nil
	}

	// Areas are disjoint so at most one of them can strictly contain the
	// range. Make sure a descriptor is available for the split before
	// modifying anything.
	for cur := l.head; cur != noArea; cur = l.areas[cur].next {
		if l.areas[cur].addr < start && l.areas[cur].end() > end && l.free == noArea {
			return ErrTooManyAreas
		}
	}

	for prev, cur := noArea, l.head; cur != noArea; {
		area := &l.areas[cur]
		next := area.next
		areaEnd := area.end()

		switch {
		case areaEnd <= start || area.addr >= end:
			// no overlap
			prev = cur
		case area.addr >= start && areaEnd <= end:
			// fully covered
			l.unlink(prev, cur)
		case area.addr < start && areaEnd > end:
			// straddles the range; keep the head and split off the tail
			tail := l.allocDescriptor()
			l.areas[tail].addr = end
			l.areas[tail].size = areaEnd - end
			l.areas[tail].next = area.next
			area.size = start - area.addr
			area.next = tail
			prev = tail
			next = l.areas[tail].next
		case area.addr < start:
			// overlaps the range start
			area.size = start - area.addr
			prev = cur
		default:
			// overlaps the range end
			area.addr = end
			area.size = areaEnd - end
			prev = cur
		}

		cur = next
	}

	return nil
}

// unlink removes cur (whose predecessor is prev) from the area list and
// returns its descriptor to the free descriptor list.
func (l *AreaList) unlink(prev, cur int) {
	if prev == noArea {
		l.head = l.areas[cur].next
	} else {
		l.areas[prev].next = l.areas[cur].next
	}

	l.areas[cur] = memArea{next: l.free}
	l.free = cur
}

func (l *AreaList) allocDescriptor() int {
	index := l.free
	if index != noArea {
		l.free = l.areas[index].next
	}
	return index
}
