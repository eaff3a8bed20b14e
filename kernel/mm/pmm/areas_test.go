package pmm

import (
	"bytes"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kernmem/kernel"
	"kernmem/kernel/hal/multiboot"
	"kernmem/kernel/mm"
)

const page = mm.PageSize

func seeded(t *testing.T, start, end uintptr) *AreaList {
	t.Helper()

	list := NewAreaList()
	err := list.InitFromBootMap([]multiboot.MemoryMapEntry{
		{PhysAddress: uint64(start), Length: uint64(end - start), Type: multiboot.MemAvailable},
	}, nil)
	require.Nil(t, err)
	return list
}

// checkAreas asserts that no two areas overlap, touch, or have zero size.
func checkAreas(t *testing.T, list *AreaList) {
	t.Helper()

	var areas []Range
	list.VisitAreas(func(start, size uintptr) bool {
		require.NotZero(t, size, "area at 0x%x has zero size", start)
		require.Zero(t, start&(page-1), "area at 0x%x is not page aligned", start)
		areas = append(areas, Range{start, start + size})
		return true
	})

	for i := range areas {
		for j := i + 1; j < len(areas); j++ {
			overlap := areas[i].Start <= areas[j].End && areas[j].Start <= areas[i].End
			require.False(t, overlap, "areas %v and %v overlap or touch", areas[i], areas[j])
		}
	}
}

func TestAllocateFromFront(t *testing.T) {
	list := seeded(t, 0, 10*page)

	frame, err := list.Allocate(3)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(0), frame)

	frame, err = list.Allocate(3)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(3), frame)

	require.Equal(t, 4*page, list.AvailableBytes())
	require.Equal(t, 10*page, list.TotalBytes())
	checkAreas(t, list)
}

func TestAllocateSkipsSmallAreas(t *testing.T) {
	list := NewAreaList()
	require.Nil(t, list.InitFromBootMap([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: uint64(2 * page), Type: multiboot.MemAvailable},
		{PhysAddress: uint64(16 * page), Length: uint64(8 * page), Type: multiboot.MemAvailable},
	}, nil))

	frame, err := list.Allocate(4)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(16), frame)

	// the remaining 2+4 frames are not contiguous
	_, err = list.Allocate(5)
	require.Equal(t, ErrOutOfMemory, err)
	require.Equal(t, 6*page, list.AvailableBytes(), "a failed allocation must not modify the list")

	frame, err = list.Allocate(4)
	require.Nil(t, err)
	require.Equal(t, mm.Frame(20), frame)
	require.Equal(t, 1, list.AreaCount(), "exhausted areas should be dropped")

	_, err = list.Allocate(0)
	require.Equal(t, ErrOutOfMemory, err)
}

func TestInitFromBootMap(t *testing.T) {
	entries := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0xf0000, Length: 0x10000, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
		{PhysAddress: 0x7fe0000, Length: 0x20000, Type: multiboot.MemReserved},
		// smaller than a page
		{PhysAddress: 0x8000000, Length: 0x10, Type: multiboot.MemAvailable},
	}

	kernelImage := Range{Start: 0x100000, End: 0x180123}
	module := Range{Start: 0x400000, End: 0x401000}

	list := NewAreaList()
	require.Nil(t, list.InitFromBootMap(entries, []Range{kernelImage, module}))
	checkAreas(t, list)

	// low memory is rounded down to 0x9f000; the kernel image end is
	// rounded up to 0x181000.
	expAvail := uintptr(0x9f000) + (0x7fe0000 - 0x181000) - 0x1000
	require.Equal(t, expAvail, list.AvailableBytes())
	require.Equal(t, expAvail, list.TotalBytes())

	list.VisitAreas(func(start, size uintptr) bool {
		end := start + size
		require.False(t, start < kernelImage.End && end > kernelImage.Start, "kernel image must not be free")
		require.False(t, start < module.End && end > module.Start, "boot module must not be free")
		return true
	})

	require.Equal(t, ErrAlreadyInitialized, list.InitFromBootMap(entries, nil))

	list.Shutdown()
	require.Zero(t, list.AvailableBytes())
	require.Nil(t, list.InitFromBootMap(entries, nil), "list should be reusable after Shutdown")
}

func TestAddMergesAdjacentAndOverlapping(t *testing.T) {
	list := NewAreaList()

	require.Nil(t, list.Add(0, 2*page))
	require.Nil(t, list.Add(4*page, 6*page))
	require.Equal(t, 2, list.AreaCount())

	// bridges both areas
	require.Nil(t, list.Add(2*page, 4*page))
	require.Equal(t, 1, list.AreaCount())
	require.Equal(t, 6*page, list.AvailableBytes())

	// adding free memory again is a no-op
	require.Nil(t, list.Add(page, 5*page))
	require.Equal(t, 1, list.AreaCount())
	require.Equal(t, 6*page, list.AvailableBytes())

	// partial frames are ignored
	require.Nil(t, list.Add(10*page+1, 11*page+5))
	require.Equal(t, 6*page, list.AvailableBytes())
	checkAreas(t, list)
}

func TestRemoveSplits(t *testing.T) {
	list := seeded(t, 0, 10*page)

	// straddled
	require.Nil(t, list.Remove(3*page, 5*page))
	require.Equal(t, 2, list.AreaCount())
	require.Equal(t, 8*page, list.AvailableBytes())

	// overlaps the start of [5p,10p) and the end of [0,3p)
	require.Nil(t, list.Remove(2*page, 6*page))
	require.Equal(t, 6*page, list.AvailableBytes())

	// partially covered frames are removed as a whole
	require.Nil(t, list.Remove(9*page+1, 9*page+2))
	require.Equal(t, 5*page, list.AvailableBytes())

	// removing memory that is not free is a no-op
	require.Nil(t, list.Remove(3*page, 5*page))
	require.Equal(t, 5*page, list.AvailableBytes())

	// fully covered
	require.Nil(t, list.Remove(0, 2*page))
	checkAreas(t, list)

	var got []Range
	list.VisitAreas(func(start, size uintptr) bool {
		got = append(got, Range{start, start + size})
		return true
	})
	require.ElementsMatch(t, []Range{{6 * page, 9 * page}}, got)
}

func TestDescriptorExhaustion(t *testing.T) {
	list := NewAreaList()
	for i := uintptr(0); i < MaxAreas; i++ {
		require.Nil(t, list.Add(2*i*page, (2*i+1)*page))
	}
	require.Equal(t, MaxAreas, list.AreaCount())

	require.Equal(t, ErrTooManyAreas, list.Add(1000*page, 1001*page))

	// growing an existing area needs no descriptor
	avail := list.AvailableBytes()
	require.Nil(t, list.Add((2*MaxAreas-1)*page, 2*MaxAreas*page))
	require.Equal(t, avail+page, list.AvailableBytes())
	require.Equal(t, MaxAreas, list.AreaCount())

	// bridging the gap between two areas releases one
	require.Nil(t, list.Add(page, 2*page))
	require.Equal(t, MaxAreas-1, list.AreaCount())
	require.Nil(t, list.Add(1000*page, 1001*page))
	require.Equal(t, MaxAreas, list.AreaCount())

	// splitting an area needs a fresh descriptor
	avail = list.AvailableBytes()
	require.Equal(t, ErrTooManyAreas, list.Remove(page, 2*page))
	require.Equal(t, avail, list.AvailableBytes())
	require.Equal(t, MaxAreas, list.AreaCount())
}

func TestRemoveWithoutDescriptorsLeavesListIntact(t *testing.T) {
	list := NewAreaList()
	require.Nil(t, list.Add(0, 8*page))
	for i := uintptr(1); i < MaxAreas; i++ {
		require.Nil(t, list.Add((10+2*i)*page, (11+2*i)*page))
	}

	avail := list.AvailableBytes()
	require.Equal(t, ErrTooManyAreas, list.Remove(2*page, 3*page))
	require.Equal(t, avail, list.AvailableBytes())
}

func TestFreeReturnsFrames(t *testing.T) {
	list := seeded(t, 0, 10*page)

	frame, err := list.Allocate(10)
	require.Nil(t, err)
	require.Zero(t, list.AvailableBytes())

	_, err = list.AllocFrame()
	require.Equal(t, ErrOutOfMemory, err)

	require.Nil(t, list.FreeFrame(frame+9))
	got, err := list.AllocFrame()
	require.Nil(t, err)
	require.Equal(t, frame+9, got, "a freed frame can be handed out again")

	require.Nil(t, list.Free(frame, 10))
	require.Equal(t, list.TotalBytes(), list.AvailableBytes())
	require.Equal(t, 1, list.AreaCount())
}

func TestDoubleFreeHalts(t *testing.T) {
	list := seeded(t, 0, 4*page)

	require.PanicsWithValue(t, errDoubleFree, func() {
		_ = list.FreeFrame(2)
	})

	// the lock must have been released before halting
	_, err := list.AllocFrame()
	require.Nil(t, err)
}

type mockReclaimer struct {
	list      *AreaList
	calls     int
	requested uintptr
	frees     []mm.Frame
}

func (r *mockReclaimer) Reclaim(frameCount uintptr) bool {
	r.calls++
	r.requested = frameCount
	if len(r.frees) == 0 {
		return false
	}
	for _, f := range r.frees {
		_ = r.list.FreeFrame(f)
	}
	r.frees = nil
	return true
}

func TestReserve(t *testing.T) {
	list := seeded(t, 0, 4*page)
	require.True(t, list.Reserve(4))
	require.False(t, list.Reserve(5), "no reclaimer registered")

	_, err := list.Allocate(4)
	require.Nil(t, err)

	r := &mockReclaimer{list: list, frees: []mm.Frame{0, 1}}
	list.SetReclaimer(r)

	require.True(t, list.Reserve(2))
	require.Equal(t, 1, r.calls)
	require.Equal(t, uintptr(2), r.requested)

	require.False(t, list.Reserve(3))
	require.Equal(t, 2, r.calls)
}

func TestPrintMemoryMap(t *testing.T) {
	list := seeded(t, 0x100000, 0x100000+4*page)

	var buf bytes.Buffer
	list.PrintMemoryMap(&buf)

	require.Contains(t, buf.String(), "[pmm] free memory areas:")
	require.Contains(t, buf.String(), "0x    100000 - 0x    104000")
	require.Contains(t, buf.String(), "available memory: 16Kb of 16Kb")
}

func TestAreasSnapshotIsSorted(t *testing.T) {
	list := NewAreaList()
	require.Nil(t, list.Add(8*page, 10*page))
	require.Nil(t, list.Add(0, 2*page))
	require.Nil(t, list.Add(4*page, 5*page))

	require.Equal(t, []Range{
		{0, 2 * page},
		{4 * page, 5 * page},
		{8 * page, 10 * page},
	}, list.Areas())

	var buf bytes.Buffer
	list.PrintMemoryMap(&buf)
	out := buf.String()
	last := -1
	for _, area := range list.Areas() {
		pos := strings.Index(out, fmt.Sprintf("[0x%10x - 0x%10x]", area.Start, area.End))
		require.Greater(t, pos, last, "memory map not in address order:\n%s", out)
		last = pos
	}

	require.Empty(t, NewAreaList().Areas())
}

// TestFrameConservation runs random sequences of allocations and frees and
// checks that free memory plus memory handed out always equals the total.
func TestFrameConservation(t *testing.T) {
	type allocation struct {
		frame mm.Frame
		count uintptr
	}

	rng := rand.New(rand.NewSource(42))
	list := seeded(t, 0, 512*page)
	total := list.TotalBytes()

	var (
		live        []allocation
		outstanding uintptr
	)

	for op := 0; op < 5000; op++ {
		if len(live) == 0 || rng.Intn(3) != 0 {
			count := uintptr(rng.Intn(8) + 1)
			frame, err := list.Allocate(count)
			if err == ErrOutOfMemory {
				continue
			}
			require.Nil(t, err)
			live = append(live, allocation{frame, count})
			outstanding += count << mm.PageShift
		} else {
			i := rng.Intn(len(live))
			a := live[i]
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]

			err := list.Free(a.frame, a.count)
			if err == ErrTooManyAreas {
				// too fragmented to track; keep the frames
				live = append(live, a)
				continue
			}
			require.Nil(t, err)
			outstanding -= a.count << mm.PageShift
		}

		require.Equal(t, total, list.AvailableBytes()+outstanding, "op %d", op)
		require.Equal(t, total, list.TotalBytes())
		if op%100 == 0 {
			checkAreas(t, list)
		}
	}
}

func TestAreaListImplementsFrameAllocator(t *testing.T) {
	var _ mm.FrameAllocator = NewAreaList()

	var err *kernel.Error
	_, err = NewAreaList().AllocFrame()
	require.Equal(t, ErrOutOfMemory, err)
}
