package main

import (
	"github.com/spf13/cobra"
)

var areasMachine machineFlags

func init() {
	cmd := newAreasCmd()
	areasMachine.register(cmd, "128M")
	rootCmd.AddCommand(cmd)
}

func newAreasCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "areas",
		Short: "Show the free physical memory areas after boot",
		Long: `The areas command boots a machine and lists the free physical memory
areas left once the kernel image and the boot modules have been carved out.

Example:
  kernmem areas --mem 128M --kernel 0x100000:0x400000
  kernmem areas --mem 64M --module 0x800000:0x812000 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAreas()
		},
	}
	return cmd
}

// AreaInfo describes a free physical memory area.
type AreaInfo struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Size  uint64 `json:"size"`
}

// AreasReport is the result of the areas command.
type AreasReport struct {
	Areas          []AreaInfo `json:"areas"`
	TotalBytes     uint64     `json:"total_bytes"`
	AvailableBytes uint64     `json:"available_bytes"`
}

func runAreas() error {
	k, err := areasMachine.boot()
	if err != nil {
		return err
	}
	defer k.Shutdown()

	report := AreasReport{
		TotalBytes:     uint64(k.Areas.TotalBytes()),
		AvailableBytes: uint64(k.Areas.AvailableBytes()),
	}
	for _, area := range k.Areas.Areas() {
		report.Areas = append(report.Areas, AreaInfo{
			Start: uint64(area.Start),
			End:   uint64(area.End),
			Size:  uint64(area.End - area.Start),
		})
	}

	if jsonOut {
		return printJSON(report)
	}

	printInfo("%s\n", header("Free Memory Areas"))
	printInfo("%s\n", render(tableHeaderStyle, "  start               end                 size"))
	for _, area := range report.Areas {
		printInfo("  0x%016x  0x%016x  %s\n", area.Start, area.End, formatBytes(area.Size))
	}
	printInfo("\n")
	printInfo("  Areas:     %d\n", len(report.Areas))
	printInfo("  Available: %s bytes (%s)\n", formatNumber(report.AvailableBytes), formatBytes(report.AvailableBytes))
	printInfo("  Total:     %s bytes (%s)\n", formatNumber(report.TotalBytes), formatBytes(report.TotalBytes))
	printInfo("%s\n", render(mutedStyle, "  one frame is held by the root table of the kernel address space"))

	return nil
}
