package region

import (
	"unsafe"

	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/sync"
)

// noSlot terminates the list of free slots.
const noSlot = int32(-1)

var (
	errObjectTooSmall = &kernel.Error{Module: "region", Message: "free list objects must be at least 4 bytes"}
	errBadSlot        = &kernel.Error{Module: "region", Message: "free list slot is out of range"}
	errSlotNotInUse   = &kernel.Error{Module: "region", Message: "free list slot released twice"}
)

// FreeList hands out slots of an Array and recycles released ones. While a
// slot is free its first four bytes link it to the next free slot.
type FreeList[T any] struct {
	lock sync.Spinlock

	array *Array[T]
	free  int32
	used  int
	live  int

	// freeMap has a bit set for every slot below used that sits in the
	// free chain.
	freeMap []uint64
}

// NewFreeList returns a FreeList that allocates slots from array. The array
// should be empty or used exclusively through the free list.
func NewFreeList[T any](array *Array[T]) (*FreeList[T], *kernel.Error) {
	if array.ObjectSize() < unsafe.Sizeof(int32(0)) {
		return nil, errObjectTooSmall
	}

	return &FreeList[T]{array: array, free: noSlot}, nil
}

// Alloc returns the index of a zeroed slot and a pointer to it. The array is
// extended when no free slot remains; if that fails the Extend error is
// returned.
func (l *FreeList[T]) Alloc() (int, *T, *kernel.Error) {
	l.lock.Acquire()
	defer l.lock.Release()

	var index int
	if l.free != noSlot {
		index = int(l.free)
		l.free = *l.link(index)
		l.markFree(index, false)
	} else {
		if l.used == l.array.Count() {
			if err := l.array.Extend(); err != nil {
				return -1, nil, err
			}
		}
		index = l.used
		l.used++
		if block := index >> 6; block >= len(l.freeMap) {
			l.freeMap = append(l.freeMap, 0)
		}
	}

	var zero T
	p := l.array.Get(index)
	*p = zero
	l.live++
	return index, p, nil
}

// Free releases the slot at index. Releasing a slot that was never handed
// out or releasing it twice halts.
func (l *FreeList[T]) Free(index int) {
	l.lock.Acquire()
	if index < 0 || index >= l.used {
		l.lock.Release()
		kfmt.Panic(errBadSlot)
		return
	}
	if l.isFree(index) {
		l.lock.Release()
		kfmt.Panic(errSlotNotInUse)
		return
	}

	l.markFree(index, true)
	*l.link(index) = l.free
	l.free = int32(index)
	l.live--
	l.lock.Release()
}

// Get returns a pointer to the slot at index or nil if the index is out of
// bounds.
func (l *FreeList[T]) Get(index int) *T {
	return l.array.Get(index)
}

// Index returns the slot index that p points to or -1.
func (l *FreeList[T]) Index(p *T) int {
	return l.array.Index(p)
}

// Reserve extends the array until at least n slots can be allocated without
// growing it.
func (l *FreeList[T]) Reserve(n int) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	for l.array.Count()-l.live < n {
		if err := l.array.Extend(); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of allocated slots.
func (l *FreeList[T]) Len() int {
	l.lock.Acquire()
	defer l.lock.Release()
	return l.live
}

// Array returns the array that backs the free list.
func (l *FreeList[T]) Array() *Array[T] {
	return l.array
}

// link returns the free list link stored at the start of a slot.
func (l *FreeList[T]) link(index int) *int32 {
	return (*int32)(unsafe.Pointer(l.array.Get(index)))
}

func (l *FreeList[T]) isFree(index int) bool {
	return l.freeMap[index>>6]&(1<<(uint(index)&63)) != 0
}

func (l *FreeList[T]) markFree(index int, free bool) {
	mask := uint64(1) << (uint(index) & 63)
	if free {
		l.freeMap[index>>6] |= mask
	} else {
		l.freeMap[index>>6] &^= mask
	}
}
