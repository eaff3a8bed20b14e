package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"kernmem/kernel"
	"kernmem/kernel/kmain"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/region"
)

var (
	regionsMachine machineFlags
	regionsObjSize int
	regionsWindow  string
)

func init() {
	cmd := newRegionsCmd()
	regionsMachine.register(cmd, "16M")
	cmd.Flags().IntVar(&regionsObjSize, "obj-size", 16, "Element size in bytes (8, 16, 24, 32, 48, 64, 128, 256, 512, 1024, 2048 or 4096)")
	cmd.Flags().StringVar(&regionsWindow, "window", "16K", "Size of the virtual window reserved for the array")
	rootCmd.AddCommand(cmd)
}

func newRegionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regions",
		Short: "Grow a region array until it cannot be extended any further",
		Long: `The regions command reserves a virtual window in the kernel address
space, creates a growable array of fixed size elements in it and extends it
one page at a time until the window, the region descriptor pool or physical
memory is exhausted. It then checks that every element maps back to its index
and that destroying the array returns all of its frames.

Example:
  kernmem regions --obj-size 16 --window 16K
  kernmem regions --obj-size 24 --window 4M --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegions()
		},
	}
	return cmd
}

// RegionStep records the array geometry after a successful Extend.
type RegionStep struct {
	Regions  int    `json:"regions"`
	Capacity int    `json:"capacity"`
	LastAddr uint64 `json:"last_addr"`
}

// RegionsReport is the result of the regions command.
type RegionsReport struct {
	ObjectSize     uint64       `json:"object_size"`
	PerRegion      int          `json:"per_region"`
	WindowBase     uint64       `json:"window_base"`
	WindowSize     uint64       `json:"window_size"`
	Steps          []RegionStep `json:"steps"`
	StopReason     string       `json:"stop_reason"`
	IndexCheck     bool         `json:"index_check"`
	FramesReturned bool         `json:"frames_returned"`
}

func runRegions() error {
	window, err := parseSize(regionsWindow)
	if err != nil {
		return err
	}

	k, err := regionsMachine.boot()
	if err != nil {
		return err
	}
	defer k.Shutdown()

	var report *RegionsReport
	switch regionsObjSize {
	case 8:
		report, err = growArray[[8]byte](k, window)
	case 16:
		report, err = growArray[[16]byte](k, window)
	case 24:
		report, err = growArray[[24]byte](k, window)
	case 32:
		report, err = growArray[[32]byte](k, window)
	case 48:
		report, err = growArray[[48]byte](k, window)
	case 64:
		report, err = growArray[[64]byte](k, window)
	case 128:
		report, err = growArray[[128]byte](k, window)
	case 256:
		report, err = growArray[[256]byte](k, window)
	case 512:
		report, err = growArray[[512]byte](k, window)
	case 1024:
		report, err = growArray[[1024]byte](k, window)
	case 2048:
		report, err = growArray[[2048]byte](k, window)
	case 4096:
		report, err = growArray[[4096]byte](k, window)
	default:
		return fmt.Errorf("unsupported object size %d", regionsObjSize)
	}
	if err != nil {
		return err
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printRegionsReport(report)
	}

	if !report.IndexCheck || !report.FramesReturned {
		return errWorkloadFailed
	}
	return nil
}

// growArray extends an array of T until Extend fails, checks the index
// mapping of every element and destroys the array again.
func growArray[T any](k *kmain.Kernel, window uintptr) (*RegionsReport, error) {
	base, kerr := k.KernelSpace.ReserveWindow(window)
	if kerr != nil {
		return nil, kernelErr(kerr, "reserving window")
	}

	availBefore := k.Areas.AvailableBytes()
	tablesBefore := k.KernelSpace.TableCount()

	backing := region.Backing{Frames: k.Areas, Mapper: k.KernelSpace, Memory: k.Memory}
	array, kerr := region.Create[T](k.Regions, backing, base, window)
	if kerr != nil {
		return nil, kernelErr(kerr, "creating array")
	}

	report := &RegionsReport{
		ObjectSize: uint64(array.ObjectSize()),
		PerRegion:  int(mm.PageSize / array.ObjectSize()),
		WindowBase: uint64(base),
		WindowSize: uint64(mm.PageAlignUp(window)),
	}

	for {
		if kerr = array.Extend(); kerr != nil {
			report.StopReason = stopReason(kerr)
			break
		}

		report.Steps = append(report.Steps, RegionStep{
			Regions:  array.Regions(),
			Capacity: array.Count(),
			LastAddr: uint64(array.VirtAddr(array.Count() - 1)),
		})
	}

	report.IndexCheck = true
	for i := 0; i < array.Count(); i++ {
		if array.Index(array.Get(i)) != i {
			printVerbose("element %d does not map back to its index\n", i)
			report.IndexCheck = false
		}
	}

	array.Destroy()

	// page tables created for the window stay with the kernel address space
	tableBytes := uintptr(k.KernelSpace.TableCount()-tablesBefore) << mm.PageShift
	report.FramesReturned = k.Areas.AvailableBytes()+tableBytes == availBefore

	return report, nil
}

func stopReason(err *kernel.Error) string {
	switch err {
	case region.ErrWindowExhausted:
		return "window exhausted"
	case region.ErrNoRegionDescriptors:
		return "region descriptors exhausted"
	default:
		return err.String()
	}
}

func printRegionsReport(report *RegionsReport) {
	printInfo("%s\n", header("Region Array"))
	printInfo("  Object size: %d bytes, %d per region\n", report.ObjectSize, report.PerRegion)
	printInfo("  Window: 0x%016x (%s)\n\n", report.WindowBase, formatBytes(report.WindowSize))

	printInfo("%s\n", render(tableHeaderStyle, fmt.Sprintf("  %8s %10s  %-18s", "regions", "capacity", "last element")))
	for i, step := range report.Steps {
		// long trails are abbreviated unless running verbosely
		if !verbose && len(report.Steps) > 8 && i >= 4 && i < len(report.Steps)-4 {
			if i == 4 {
				printInfo("%s\n", render(mutedStyle, fmt.Sprintf("  ... %d more", len(report.Steps)-8)))
			}
			continue
		}
		printInfo("  %8d %10s  0x%016x\n", step.Regions, formatNumber(uint64(step.Capacity)), step.LastAddr)
	}
	printInfo("\n")
	printInfo("  Stopped: %s\n", report.StopReason)
	printInfo("  Index mapping: %s\n", verdict(report.IndexCheck))
	printInfo("  Frames returned: %s\n", verdict(report.FramesReturned))
}
