// Package ram provides the physical memory backing store for a hosted
// kernel. Physical address 0 corresponds to the first byte of the arena and
// every frame is addressable through Frame.
package ram

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
)

var (
	errZeroSize  = &kernel.Error{Module: "ram", Message: "memory size must be at least one page"}
	errMapFailed = &kernel.Error{Module: "ram", Message: "unable to map physical memory arena"}
	errBadFrame  = &kernel.Error{Module: "ram", Message: "frame lies outside physical memory"}
)

// Memory is a contiguous physical memory arena.
type Memory struct {
	data []byte
}

// New reserves size bytes (rounded up to a page multiple) of physical
// memory. The arena is zero-filled.
func New(size uintptr) (*Memory, *kernel.Error) {
	size = mm.PageAlignUp(size)
	if size == 0 {
		return nil, errZeroSize
	}

	data, err := mapArena(size)
	if err != nil {
		return nil, errMapFailed
	}

	return &Memory{data: data}, nil
}

// Size returns the arena size in bytes.
func (m *Memory) Size() uintptr {
	return uintptr(len(m.data))
}

// FrameCount returns the number of frames in the arena.
func (m *Memory) FrameCount() uintptr {
	return uintptr(len(m.data)) >> mm.PageShift
}

// Frame returns the contents of the given frame or nil if the frame lies
// outside the arena.
func (m *Memory) Frame(frame mm.Frame) []byte {
	if !frame.Valid() || uintptr(frame) >= m.FrameCount() {
		return nil
	}

	start := frame.Address()
	return m.data[start : start+mm.PageSize : start+mm.PageSize]
}

// ZeroFrame clears the contents of the given frame.
func (m *Memory) ZeroFrame(frame mm.Frame) *kernel.Error {
	buf := m.Frame(frame)
	if buf == nil {
		return errBadFrame
	}

	kernel.Memset(buf, 0)
	return nil
}

// CopyFrame copies the contents of src into dst.
func (m *Memory) CopyFrame(dst, src mm.Frame) *kernel.Error {
	dstBuf, srcBuf := m.Frame(dst), m.Frame(src)
	if dstBuf == nil || srcBuf == nil {
		return errBadFrame
	}

	copy(dstBuf, srcBuf)
	return nil
}

// Close releases the arena. The Memory must not be used afterwards.
func (m *Memory) Close() *kernel.Error {
	if m.data == nil {
		return nil
	}

	data := m.data
	m.data = nil
	if err := unmapArena(data); err != nil {
		return errMapFailed
	}
	return nil
}
