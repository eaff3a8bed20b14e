package region

import (
	"unsafe"

	"kernmem/kernel"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/vmm"
	"kernmem/kernel/sync"
)

var (
	// ErrWindowExhausted is returned by Extend when the reserved virtual
	// window has no room for another page.
	ErrWindowExhausted = &kernel.Error{Module: "region", Message: "reserved virtual window exhausted"}

	errBadObjectSize   = &kernel.Error{Module: "region", Message: "object size must be between 1 byte and one page"}
	errUnalignedWindow = &kernel.Error{Module: "region", Message: "virtual window is not page aligned"}
)

// Backing bundles the collaborators that provide memory to arrays: a frame
// allocator, the kernel address space, and access to frame contents.
type Backing struct {
	Frames mm.FrameAllocator
	Mapper vmm.Mapper
	Memory vmm.PhysicalMemory
}

// Array is a growable array of T stored in pages mapped into a reserved
// virtual window. Elements live outside the Go heap, so T must not contain
// pointers, slices, maps, strings or interfaces.
//
// An array grows only through Extend, one page (region) at a time. Elements
// never straddle two regions; when the size of T does not divide the page
// size the tail of each region is left unused.
type Array[T any] struct {
	lock sync.Spinlock

	pool    *Pool
	backing Backing

	base uintptr
	size uintptr

	objSize   uintptr
	perRegion int

	head, tail int
	regions    int
	count      int
}

// Create records the geometry of an array whose pages will be mapped into
// the window [base, base+size). No memory is allocated until Extend is
// called.
func Create[T any](pool *Pool, backing Backing, base, size uintptr) (*Array[T], *kernel.Error) {
	var zero T
	objSize := unsafe.Sizeof(zero)
	if objSize == 0 || objSize > mm.PageSize {
		return nil, errBadObjectSize
	}

	if base&(mm.PageSize-1) != 0 {
		return nil, errUnalignedWindow
	}

	return &Array[T]{
		pool:      pool,
		backing:   backing,
		base:      base,
		size:      mm.PageAlignDown(size),
		objSize:   objSize,
		perRegion: int(mm.PageSize / objSize),
		head:      noRegion,
		tail:      noRegion,
	}, nil
}

// Extend maps one more page at the end of the array and grows its capacity
// by PageSize/sizeof(T) elements. The new elements are zeroed. If the window
// is exhausted, no region descriptor is available or no frame can be
// allocated, an error is returned and the array is left unchanged.
func (a *Array[T]) Extend() *kernel.Error {
	a.lock.Acquire()
	defer a.lock.Release()

	used := uintptr(a.regions) << mm.PageShift
	if used+mm.PageSize > a.size {
		return ErrWindowExhausted
	}

	index, err := a.pool.alloc()
	if err != nil {
		return err
	}

	frame, err := a.backing.Frames.AllocFrame()
	if err != nil {
		a.pool.release(index)
		return err
	}

	virt := a.base + used
	page := mm.PageFromAddress(virt)
	if err = a.backing.Mapper.Map(page, frame, vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		_ = a.backing.Frames.FreeFrame(frame)
		a.pool.release(index)
		return err
	}

	if err = a.backing.Memory.ZeroFrame(frame); err != nil {
		_ = a.backing.Mapper.Unmap(page)
		_ = a.backing.Frames.FreeFrame(frame)
		a.pool.release(index)
		return err
	}

	a.pool.fill(index, virt, frame)
	if a.tail == noRegion {
		a.head = index
	} else {
		a.pool.link(a.tail, index)
	}
	a.tail = index
	a.regions++
	a.count += a.perRegion
	return nil
}

// Get returns a pointer to the element at index or nil if index is out of
// bounds.
func (a *Array[T]) Get(index int) *T {
	a.lock.Acquire()
	defer a.lock.Release()

	data, offset := a.locate(index)
	if data == nil {
		return nil
	}

	return (*T)(unsafe.Pointer(&data[offset]))
}

// VirtAddr returns the kernel virtual address of the element at index or 0
// if index is out of bounds.
func (a *Array[T]) VirtAddr(index int) uintptr {
	a.lock.Acquire()
	defer a.lock.Release()

	if index < 0 || index >= a.count {
		return 0
	}

	desc := a.region(index / a.perRegion)
	return desc.virt + uintptr(index%a.perRegion)*a.objSize
}

// Index returns the index of the element that p points to or -1 if p does
// not point to the start of an element of this array.
func (a *Array[T]) Index(p *T) int {
	if p == nil {
		return -1
	}

	addr := uintptr(unsafe.Pointer(p))
	span := uintptr(a.perRegion) * a.objSize

	a.lock.Acquire()
	defer a.lock.Release()

	regionNum := 0
	for cur := a.head; cur != noRegion; regionNum++ {
		desc := a.pool.get(cur)
		data := a.backing.Memory.Frame(desc.frame)
		start := uintptr(unsafe.Pointer(&data[0]))

		if addr >= start && addr < start+span {
			offset := addr - start
			if offset%a.objSize != 0 {
				return -1
			}
			return regionNum*a.perRegion + int(offset/a.objSize)
		}

		cur = desc.next
	}

	return -1
}

// Count returns the number of elements that fit in the mapped regions.
func (a *Array[T]) Count() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.count
}

// Regions returns the number of mapped regions.
func (a *Array[T]) Regions() int {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.regions
}

// ObjectSize returns the size of an element in bytes.
func (a *Array[T]) ObjectSize() uintptr {
	return a.objSize
}

// Destroy unmaps every region, returns the frames to the frame allocator and
// the descriptors to the pool. Pointers obtained via Get must not be used
// afterwards.
func (a *Array[T]) Destroy() {
	a.lock.Acquire()
	defer a.lock.Release()

	for cur := a.head; cur != noRegion; {
		desc := a.pool.get(cur)
		_ = a.backing.Mapper.Unmap(mm.PageFromAddress(desc.virt))
		_ = a.backing.Frames.FreeFrame(desc.frame)
		a.pool.release(cur)
		cur = desc.next
	}

	a.head, a.tail = noRegion, noRegion
	a.regions, a.count = 0, 0
}

// locate returns the bytes of the region holding index and the offset of the
// element inside them. The caller must hold the lock.
func (a *Array[T]) locate(index int) ([]byte, uintptr) {
	if index < 0 || index >= a.count {
		return nil, 0
	}

	desc := a.region(index / a.perRegion)
	return a.backing.Memory.Frame(desc.frame), uintptr(index%a.perRegion) * a.objSize
}

// region walks the chain to the n-th region. The caller must hold the lock
// and ensure that n is in range.
func (a *Array[T]) region(n int) descriptor {
	desc := a.pool.get(a.head)
	for ; n > 0; n-- {
		desc = a.pool.get(desc.next)
	}
	return desc
}
