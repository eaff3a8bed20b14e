// Package kmain wires the memory subsystem together from a multiboot
// information record: physical memory, the free area list, the kernel
// address space, the region descriptor pool, the copy-on-write tracker and
// the process table.
package kmain

import (
	"strconv"

	"kernmem/kernel"
	"kernmem/kernel/hal/multiboot"
	"kernmem/kernel/hal/ram"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/mm/pmm"
	"kernmem/kernel/mm/region"
	"kernmem/kernel/mm/vmm"
	"kernmem/kernel/proc"
)

var (
	errNoAvailableMemory = &kernel.Error{Module: "kmain", Message: "boot memory map contains no available memory"}
	errBadKernelImage    = &kernel.Error{Module: "kmain", Message: "kernel image end precedes its start"}
)

// Config carries the boot time knobs of the memory subsystem.
type Config struct {
	// Physical range occupied by the kernel image.
	KernelStart, KernelEnd uintptr

	// Size of the virtual windows reserved for the copy-on-write record
	// and owner tables.
	CowRecordWindow uintptr
	CowOwnerWindow  uintptr
}

// DefaultConfig returns a configuration for a 1M kernel image loaded at 1M.
func DefaultConfig() Config {
	return Config{
		KernelStart:     0x100000,
		KernelEnd:       0x200000,
		CowRecordWindow: 64 * mm.PageSize,
		CowOwnerWindow:  128 * mm.PageSize,
	}
}

// applyCmdLine overrides the table windows with the cow.records and
// cow.owners command line options (in pages). Malformed values are logged
// and ignored.
func (cfg *Config) applyCmdLine(cmdLine map[string]string) {
	for key, dst := range map[string]*uintptr{
		"cow.records": &cfg.CowRecordWindow,
		"cow.owners":  &cfg.CowOwnerWindow,
	} {
		val, ok := cmdLine[key]
		if !ok {
			continue
		}

		pages, err := strconv.ParseUint(val, 0, 32)
		if err != nil || pages == 0 {
			kfmt.Printf("[kmain] ignoring invalid value for %s: %q\n", key, val)
			continue
		}
		*dst = uintptr(pages) << mm.PageShift
	}
}

// Stats summarizes the state of the memory subsystem.
type Stats struct {
	TotalBytes     uintptr
	AvailableBytes uintptr
	FreeAreas      int
	SharedFrames   int
	Processes      int
	FreeRegions    int
}

// Kernel holds the top-level memory subsystem state.
type Kernel struct {
	Config Config

	Memory      *ram.Memory
	Areas       *pmm.AreaList
	KernelSpace *vmm.PageTable
	Regions     *region.Pool
	Tracker     *cow.Tracker
	Procs       *proc.Table
}

// Boot initializes the memory subsystem using the memory map, boot modules
// and command line found in bootInfo. Components are initialized in
// dependency order; if one of them fails, the ones already initialized are
// torn down again.
func Boot(cfg Config, bootInfo []byte) (*Kernel, *kernel.Error) {
	info, err := multiboot.Parse(bootInfo)
	if err != nil {
		return nil, err
	}

	if cfg.KernelEnd < cfg.KernelStart {
		return nil, errBadKernelImage
	}
	cfg.applyCmdLine(info.CmdLine())

	k := &Kernel{Config: cfg}
	if err = k.init(info); err != nil {
		k.Shutdown()
		return nil, err
	}

	k.Areas.PrintMemoryMap(nil)
	return k, nil
}

func (k *Kernel) init(info *multiboot.Info) *kernel.Error {
	memSize := memoryEnd(info)
	if memSize == 0 {
		return errNoAvailableMemory
	}

	var err *kernel.Error
	if k.Memory, err = ram.New(memSize); err != nil {
		return err
	}

	k.Areas = pmm.NewAreaList()
	if err = k.Areas.InitFromBootMap(info.MemoryMap(), reservedRanges(k.Config, info)); err != nil {
		return err
	}

	if k.KernelSpace, err = vmm.NewPageTable(k.Memory, k.Areas); err != nil {
		return err
	}

	var recordBase, ownerBase uintptr
	if recordBase, err = k.KernelSpace.ReserveWindow(k.Config.CowRecordWindow); err != nil {
		return err
	} else if ownerBase, err = k.KernelSpace.ReserveWindow(k.Config.CowOwnerWindow); err != nil {
		return err
	}

	k.Regions = region.NewPool()
	k.Procs = proc.NewTable(k.Memory, k.Areas)
	if k.Tracker, err = cow.NewTracker(
		k.Regions,
		region.Backing{Frames: k.Areas, Mapper: k.KernelSpace, Memory: k.Memory},
		cow.Window{Base: recordBase, Size: mm.PageAlignUp(k.Config.CowRecordWindow)},
		cow.Window{Base: ownerBase, Size: mm.PageAlignUp(k.Config.CowOwnerWindow)},
		k.Procs,
	); err != nil {
		return err
	}
	k.Procs.SetTracker(k.Tracker)

	return nil
}

// Shutdown terminates all processes and releases every component in reverse
// initialization order. It is safe to call on a partially booted kernel.
func (k *Kernel) Shutdown() {
	if k.Procs != nil {
		k.Procs.Visit(func(p *proc.Process) bool {
			p.Exit()
			return true
		})
	}

	if k.Tracker != nil {
		k.Tracker.Shutdown()
		k.Tracker = nil
	}

	if k.KernelSpace != nil {
		k.KernelSpace.Destroy()
		k.KernelSpace = nil
	}

	if k.Areas != nil {
		k.Areas.Shutdown()
	}

	if k.Memory != nil {
		if err := k.Memory.Close(); err != nil {
			kfmt.Printf("%s\n", err.String())
		}
		k.Memory = nil
	}
}

// Stats returns a snapshot of the memory subsystem counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		TotalBytes:     k.Areas.TotalBytes(),
		AvailableBytes: k.Areas.AvailableBytes(),
		FreeAreas:      k.Areas.AreaCount(),
		SharedFrames:   k.Tracker.Count(),
		Processes:      k.Procs.Len(),
		FreeRegions:    k.Regions.Available(),
	}
}

// memoryEnd returns the end address of the highest available region.
func memoryEnd(info *multiboot.Info) uintptr {
	var end uint64
	info.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type == multiboot.MemAvailable && entry.PhysAddress+entry.Length > end {
			end = entry.PhysAddress + entry.Length
		}
		return true
	})
	return uintptr(end)
}

// reservedRanges lists the physical ranges that must never be handed out:
// the kernel image and the boot modules.
func reservedRanges(cfg Config, info *multiboot.Info) []pmm.Range {
	var reserved []pmm.Range
	if cfg.KernelEnd > cfg.KernelStart {
		reserved = append(reserved, pmm.Range{Start: cfg.KernelStart, End: cfg.KernelEnd})
	}

	info.VisitModules(func(mod *multiboot.Module) bool {
		reserved = append(reserved, pmm.Range{Start: uintptr(mod.Start), End: uintptr(mod.End)})
		return true
	})
	return reserved
}
