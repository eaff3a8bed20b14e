package kmain

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernmem/kernel/hal/multiboot"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/proc"
)

// testMachine describes 8M of RAM with a hole below 1M and one boot module.
func testMachine() *multiboot.Builder {
	return new(multiboot.Builder).
		AddMemoryRegion(0x0, 0x9fc00, multiboot.MemAvailable).
		AddMemoryRegion(0x9fc00, 0x400, multiboot.MemReserved).
		AddMemoryRegion(0xf0000, 0x10000, multiboot.MemReserved).
		AddMemoryRegion(0x100000, 0x700000, multiboot.MemAvailable).
		AddMemoryRegion(0xfffc0000, 0x40000, multiboot.MemReserved).
		AddModule(0x300000, 0x310000, "initrd")
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })
	return &buf
}

func TestBoot(t *testing.T) {
	logBuf := captureLog(t)

	k, err := Boot(DefaultConfig(), testMachine().Bytes())
	require.Nil(t, err)
	defer k.Shutdown()

	// [0, 0x9f000) plus [1M, 8M) without the kernel image and the module
	expTotal := uintptr(0x9f000 + 0x100000 + 0x4f0000)

	stats := k.Stats()
	assert.Equal(t, expTotal, stats.TotalBytes)
	// the root table of the kernel address space
	assert.Equal(t, expTotal-mm.PageSize, stats.AvailableBytes)
	assert.Equal(t, 3, stats.FreeAreas)
	assert.Zero(t, stats.SharedFrames)
	assert.Zero(t, stats.Processes)

	k.Areas.VisitAreas(func(start, size uintptr) bool {
		end := start + size
		assert.False(t, start < DefaultConfig().KernelEnd && end > DefaultConfig().KernelStart, "area [%x, %x) overlaps the kernel image", start, end)
		assert.False(t, start < 0x310000 && end > 0x300000, "area [%x, %x) overlaps the boot module", start, end)
		return true
	})

	assert.Contains(t, logBuf.String(), "[pmm] free memory areas:")
}

func TestBootErrors(t *testing.T) {
	_ = captureLog(t)

	t.Run("truncated boot info", func(t *testing.T) {
		_, err := Boot(DefaultConfig(), []byte{1, 2})
		require.NotNil(t, err)
		assert.Equal(t, "multiboot", err.Module)
	})

	t.Run("no available memory", func(t *testing.T) {
		info := new(multiboot.Builder).AddMemoryRegion(0, 0x100000, multiboot.MemReserved).Bytes()
		_, err := Boot(DefaultConfig(), info)
		assert.Equal(t, errNoAvailableMemory, err)
	})

	t.Run("inverted kernel image", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.KernelStart, cfg.KernelEnd = cfg.KernelEnd, cfg.KernelStart
		_, err := Boot(cfg, testMachine().Bytes())
		assert.Equal(t, errBadKernelImage, err)
	})

	t.Run("table window too large", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CowOwnerWindow = 1 << 62
		_, err := Boot(cfg, testMachine().Bytes())
		require.NotNil(t, err)
		assert.Equal(t, "vmm", err.Module)
	})
}

func TestCmdLineOverrides(t *testing.T) {
	logBuf := captureLog(t)

	info := testMachine().SetCmdLine("cow.records=2 cow.owners=lots nocow").Bytes()
	k, err := Boot(DefaultConfig(), info)
	require.Nil(t, err)
	defer k.Shutdown()

	assert.Equal(t, 2*mm.PageSize, k.Config.CowRecordWindow)
	assert.Equal(t, DefaultConfig().CowOwnerWindow, k.Config.CowOwnerWindow)
	assert.Contains(t, logBuf.String(), `[kmain] ignoring invalid value for cow.owners: "lots"`)
}

func TestForkWorkloadConservesFrames(t *testing.T) {
	_ = captureLog(t)

	k, err := Boot(DefaultConfig(), testMachine().Bytes())
	require.Nil(t, err)
	defer k.Shutdown()

	// map the first page of the tracker tables so that only process
	// memory shows up in the measurements below
	require.Nil(t, k.Tracker.Reserve(1, 1))
	before := k.Areas.AvailableBytes()

	const heap = uintptr(0x400000)
	parent, err := k.Procs.Spawn(1)
	require.Nil(t, err)
	require.Nil(t, parent.MapAnon(heap, 4, true))

	children := make([]*proc.Process, 0, 3)
	for pid := 2; pid <= 4; pid++ {
		child, err := k.Procs.Fork(parent, cow.PID(pid))
		require.Nil(t, err)
		require.Nil(t, child.Write(heap+uintptr(pid)*mm.PageSize/4, []byte{byte(pid)}))
		children = append(children, child)
	}

	assert.Equal(t, 4, k.Stats().Processes)
	assert.Equal(t, 4, k.Stats().SharedFrames)

	for _, child := range children {
		child.Exit()
	}
	parent.Exit()

	assert.Zero(t, k.Stats().SharedFrames)
	assert.Zero(t, k.Stats().Processes)
	assert.Equal(t, before, k.Areas.AvailableBytes())
}

func TestShutdownReleasesMemory(t *testing.T) {
	_ = captureLog(t)

	k, err := Boot(DefaultConfig(), testMachine().Bytes())
	require.Nil(t, err)

	p, err := k.Procs.Spawn(1)
	require.Nil(t, err)
	require.Nil(t, p.MapAnon(0x400000, 2, true))
	_, err = k.Procs.Fork(p, 2)
	require.Nil(t, err)

	k.Shutdown()
	assert.Nil(t, k.Memory)
	assert.Nil(t, k.Tracker)
	assert.Nil(t, k.KernelSpace)
	assert.Zero(t, k.Procs.Len())
	assert.Zero(t, k.Areas.AreaCount())

	// a second call is a no-op
	k.Shutdown()
}

func TestReservedRanges(t *testing.T) {
	info, err := multiboot.Parse(testMachine().AddModule(0x500000, 0x501000, "fs").Bytes())
	require.Nil(t, err)

	cfg := DefaultConfig()
	ranges := reservedRanges(cfg, info)
	require.Len(t, ranges, 3)
	assert.Equal(t, cfg.KernelStart, ranges[0].Start)
	assert.Equal(t, uintptr(0x300000), ranges[1].Start)
	assert.Equal(t, uintptr(0x501000), ranges[2].End)

	cfg.KernelStart, cfg.KernelEnd = 0, 0
	assert.Len(t, reservedRanges(cfg, info), 2)

	assert.Equal(t, uintptr(0x800000), memoryEnd(info))
}
