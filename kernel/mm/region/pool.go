// Package region provides growable, index-addressed arrays of fixed-size
// records for kernel metadata. An array owns a reserved virtual window and
// grows by mapping one page at a time at the end of the window, so growing
// it never depends on a general purpose heap.
package region

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
	"kernmem/kernel/sync"
)

// PoolSize is the number of region descriptors in a Pool. Since each region
// backs one page, it bounds the memory that all arrays sharing a pool can
// map.
const PoolSize = 512

// noRegion terminates region chains.
const noRegion = -1

// ErrNoRegionDescriptors is returned when a Pool has no free descriptors.
var ErrNoRegionDescriptors = &kernel.Error{Module: "region", Message: "no free region descriptors"}

// descriptor describes one mapped page of an array.
type descriptor struct {
	virt  uintptr
	frame mm.Frame
	next  int
}

// Pool is a fixed set of region descriptors shared by a group of arrays.
type Pool struct {
	lock  sync.Spinlock
	descs [PoolSize]descriptor
	free  int
	inUse int
}

// NewPool returns a Pool with all descriptors free.
func NewPool() *Pool {
	p := new(Pool)
	p.free = noRegion
	for i := PoolSize - 1; i >= 0; i-- {
		p.descs[i].next = p.free
		p.free = i
	}
	return p
}

// Available returns the number of free descriptors.
func (p *Pool) Available() int {
	p.lock.Acquire()
	defer p.lock.Release()
	return PoolSize - p.inUse
}

func (p *Pool) alloc() (int, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	index := p.free
	if index == noRegion {
		return noRegion, ErrNoRegionDescriptors
	}

	p.free = p.descs[index].next
	p.descs[index] = descriptor{frame: mm.InvalidFrame, next: noRegion}
	p.inUse++
	return index, nil
}

func (p *Pool) fill(index int, virt uintptr, frame mm.Frame) {
	p.lock.Acquire()
	p.descs[index].virt = virt
	p.descs[index].frame = frame
	p.lock.Release()
}

func (p *Pool) release(index int) {
	p.lock.Acquire()
	p.descs[index] = descriptor{next: p.free}
	p.free = index
	p.inUse--
	p.lock.Release()
}

// get returns a copy of a descriptor. Descriptors in a chain are only
// modified by the array that owns the chain.
func (p *Pool) get(index int) descriptor {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.descs[index]
}

func (p *Pool) link(index, next int) {
	p.lock.Acquire()
	p.descs[index].next = next
	p.lock.Release()
}
