package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kernmem/kernel/hal/multiboot"
	"kernmem/kernel/kmain"
)

// legacyHoleStart and legacyHoleEnd bound the PC legacy video and BIOS area
// which is reported as reserved by the firmware.
const (
	legacyHoleStart = 0x9fc00
	legacyHoleEnd   = 0x100000
)

// machineFlags describe the synthetic machine a command boots.
type machineFlags struct {
	mem     string
	kernel  string
	modules []string
	cmdLine string
}

func (m *machineFlags) register(cmd *cobra.Command, defaultMem string) {
	cmd.Flags().StringVar(&m.mem, "mem", defaultMem, "Physical memory size (e.g. 64M)")
	cmd.Flags().StringVar(&m.kernel, "kernel", "0x100000:0x200000", "Physical range of the kernel image (start:end)")
	cmd.Flags().StringSliceVar(&m.modules, "module", nil, "Physical range of a boot module (start:end); may be repeated")
	cmd.Flags().StringVar(&m.cmdLine, "cmdline", "", "Kernel command line (e.g. \"cow.records=4\")")
}

// bootInfo builds the multiboot record of a PC with the configured amount
// of memory: low memory up to the legacy hole and everything above 1M.
func (m *machineFlags) bootInfo() ([]byte, error) {
	memSize, err := parseSize(m.mem)
	if err != nil {
		return nil, err
	}
	if memSize == 0 {
		return nil, fmt.Errorf("memory size must not be zero")
	}

	b := new(multiboot.Builder)
	if memSize <= legacyHoleStart {
		b.AddMemoryRegion(0, uint64(memSize), multiboot.MemAvailable)
	} else {
		b.AddMemoryRegion(0, legacyHoleStart, multiboot.MemAvailable).
			AddMemoryRegion(legacyHoleStart, legacyHoleEnd-legacyHoleStart, multiboot.MemReserved)
		if memSize > legacyHoleEnd {
			b.AddMemoryRegion(legacyHoleEnd, uint64(memSize-legacyHoleEnd), multiboot.MemAvailable)
		}
	}

	for i, mod := range m.modules {
		start, end, err := parseRange(mod)
		if err != nil {
			return nil, err
		}
		b.AddModule(uint64(start), uint64(end), fmt.Sprintf("module%d", i))
	}

	return b.SetCmdLine(m.cmdLine).Bytes(), nil
}

func (m *machineFlags) boot() (*kmain.Kernel, error) {
	info, err := m.bootInfo()
	if err != nil {
		return nil, err
	}

	cfg := kmain.DefaultConfig()
	if cfg.KernelStart, cfg.KernelEnd, err = parseRange(m.kernel); err != nil {
		return nil, err
	}

	printVerbose("Booting %s machine\n", m.mem)
	k, kerr := kmain.Boot(cfg, info)
	if kerr != nil {
		return nil, kernelErr(kerr, "boot failed")
	}
	return k, nil
}
