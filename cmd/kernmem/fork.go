package main

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"kernmem/kernel/kmain"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/proc"
)

// forkHeapBase is where the parent maps its anonymous memory.
const forkHeapBase = uintptr(0x400000)

var (
	forkMachine    machineFlags
	forkPages      int
	forkChildren   int
	forkWrites     int
	forkConcurrent bool

	errWorkloadFailed = errors.New("workload verification failed")
)

func init() {
	cmd := newForkCmd()
	forkMachine.register(cmd, "64M")
	cmd.Flags().IntVar(&forkPages, "pages", 16, "Number of anonymous pages mapped by the parent")
	cmd.Flags().IntVar(&forkChildren, "children", 4, "Number of children forked from the parent")
	cmd.Flags().IntVar(&forkWrites, "writes", 4, "Number of pages each child writes to")
	cmd.Flags().BoolVar(&forkConcurrent, "concurrent", false, "Let the children write concurrently")
	rootCmd.AddCommand(cmd)
}

func newForkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "Run a fork/write/exit workload and account for every frame",
		Long: `The fork command maps anonymous memory in a parent process, forks a
number of children that share it copy-on-write, lets every child write to
some of the pages and finally terminates all processes. Frame usage and the
size of the copy-on-write table are reported after each phase and the memory
contents of every process are verified.

Example:
  kernmem fork --pages 16 --children 4 --writes 4
  kernmem fork --pages 64 --children 8 --writes 64 --concurrent --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFork()
		},
	}
	return cmd
}

// ForkPhase captures the memory accounting after a workload phase.
type ForkPhase struct {
	Phase        string `json:"phase"`
	UsedFrames   int64  `json:"used_frames"`
	SharedFrames int    `json:"shared_frames"`
	Processes    int    `json:"processes"`
}

// ForkReport is the result of the fork command.
type ForkReport struct {
	Pages        int         `json:"pages"`
	Children     int         `json:"children"`
	Writes       int         `json:"writes"`
	Phases       []ForkPhase `json:"phases"`
	CopiedFrames int         `json:"copied_frames"`
	Verified     bool        `json:"verified"`
	LeakedFrames int64       `json:"leaked_frames"`
}

func runFork() error {
	if forkPages <= 0 || forkChildren < 0 || forkWrites < 0 {
		return fmt.Errorf("pages must be positive; children and writes must not be negative")
	}
	if forkWrites > forkPages {
		return fmt.Errorf("writes (%d) must not exceed pages (%d)", forkWrites, forkPages)
	}

	k, err := forkMachine.boot()
	if err != nil {
		return err
	}
	defer k.Shutdown()

	// grow the tracker tables up front so that the accounting below only
	// sees process memory
	if kerr := k.Tracker.Reserve(forkPages, forkPages*(forkChildren+1)); kerr != nil {
		return kernelErr(kerr, "reserving copy-on-write tables")
	}

	w := &forkWorkload{k: k, baseline: k.Areas.AvailableBytes()}
	report := ForkReport{Pages: forkPages, Children: forkChildren, Writes: forkWrites}

	if report.CopiedFrames, report.Verified, err = w.run(&report); err != nil {
		return err
	}
	report.LeakedFrames = w.usedFrames()

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printForkReport(report)
	}

	if !report.Verified || report.LeakedFrames != 0 {
		return errWorkloadFailed
	}
	return nil
}

type forkWorkload struct {
	k        *kmain.Kernel
	baseline uintptr
	parent   *proc.Process
	children []*proc.Process
}

func (w *forkWorkload) usedFrames() int64 {
	return int64(w.baseline-w.k.Areas.AvailableBytes()) >> mm.PageShift
}

func (w *forkWorkload) snapshot(report *ForkReport, phase string) {
	report.Phases = append(report.Phases, ForkPhase{
		Phase:        phase,
		UsedFrames:   w.usedFrames(),
		SharedFrames: w.k.Tracker.Count(),
		Processes:    w.k.Procs.Len(),
	})
	printVerbose("Phase %q complete\n", phase)
}

func (w *forkWorkload) run(report *ForkReport) (copied int, verified bool, err error) {
	if w.parent, err = w.spawnParent(); err != nil {
		return 0, false, err
	}
	w.snapshot(report, "parent mapped")

	for i := 0; i < forkChildren; i++ {
		child, kerr := w.k.Procs.Fork(w.parent, cow.PID(i+2))
		if kerr != nil {
			return 0, false, kernelErr(kerr, "fork failed")
		}
		w.children = append(w.children, child)
	}
	w.snapshot(report, "forked")

	if err = w.writeChildren(); err != nil {
		return 0, false, err
	}
	w.snapshot(report, "children wrote")

	verified = w.verify()
	for _, child := range w.children {
		copied += child.Stats().OwnFrames
	}
	if verbose {
		w.k.Tracker.Print(nil)
	}

	for _, child := range w.children {
		child.Exit()
	}
	w.snapshot(report, "children exited")

	w.parent.Exit()
	w.snapshot(report, "parent exited")

	return copied, verified, nil
}

func (w *forkWorkload) spawnParent() (*proc.Process, error) {
	parent, kerr := w.k.Procs.Spawn(1)
	if kerr != nil {
		return nil, kernelErr(kerr, "spawn failed")
	}
	if kerr = parent.MapAnon(forkHeapBase, forkPages, true); kerr != nil {
		return nil, kernelErr(kerr, "mapping parent memory")
	}

	for page := 0; page < forkPages; page++ {
		if kerr = parent.Write(pageAddr(page), parentPattern(page)); kerr != nil {
			return nil, kernelErr(kerr, "filling parent memory")
		}
	}
	return parent, nil
}

// childPages returns the pages written by the n-th child.
func childPages(n int) []int {
	pages := make([]int, forkWrites)
	for i := range pages {
		pages[i] = (n + i) % forkPages
	}
	return pages
}

func (w *forkWorkload) writeChildren() error {
	writeChild := func(n int) error {
		child := w.children[n]
		for _, page := range childPages(n) {
			if kerr := child.Write(pageAddr(page), []byte{byte(child.PID)}); kerr != nil {
				return kernelErr(kerr, fmt.Sprintf("child %d write", child.PID))
			}
		}
		return nil
	}

	if !forkConcurrent {
		for n := range w.children {
			if err := writeChild(n); err != nil {
				return err
			}
		}
		return nil
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(w.children))
	)
	for n := range w.children {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			errs[n] = writeChild(n)
		}(n)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// verify checks that the parent still sees its original memory and that
// every child sees its own writes on top of the parent's memory.
func (w *forkWorkload) verify() bool {
	buf := make([]byte, mm.PageSize)
	ok := true

	for page := 0; page < forkPages; page++ {
		if w.parent.Read(pageAddr(page), buf) != nil || !bytes.Equal(buf, parentPattern(page)) {
			printVerbose("parent page %d corrupted\n", page)
			ok = false
		}
	}

	for n, child := range w.children {
		written := make(map[int]bool)
		for _, page := range childPages(n) {
			written[page] = true
		}

		for page := 0; page < forkPages; page++ {
			exp := parentPattern(page)
			if written[page] {
				exp[0] = byte(child.PID)
			}
			if child.Read(pageAddr(page), buf) != nil || !bytes.Equal(buf, exp) {
				printVerbose("child %d page %d corrupted\n", child.PID, page)
				ok = false
			}
		}
	}

	return ok
}

func pageAddr(page int) uintptr {
	return forkHeapBase + uintptr(page)*mm.PageSize
}

func parentPattern(page int) []byte {
	buf := make([]byte, mm.PageSize)
	for i := range buf {
		buf[i] = byte(page*7 + i)
	}
	return buf
}

func printForkReport(report ForkReport) {
	printInfo("%s\n", header("Fork Workload"))
	printInfo("  Pages: %d, children: %d, writes per child: %d\n\n", report.Pages, report.Children, report.Writes)

	printInfo("%s\n", render(tableHeaderStyle, fmt.Sprintf("  %-16s %12s %14s %10s", "phase", "used frames", "shared frames", "processes")))
	for _, phase := range report.Phases {
		printInfo("  %-16s %12s %14s %10d\n", phase.Phase,
			formatNumber(uint64(phase.UsedFrames)), formatNumber(uint64(phase.SharedFrames)), phase.Processes)
	}
	printInfo("\n")
	printInfo("  Copied frames: %s\n", formatNumber(uint64(report.CopiedFrames)))
	printInfo("  Memory contents: %s\n", verdict(report.Verified))
	printInfo("  Leaked frames: %d %s\n", report.LeakedFrames, verdict(report.LeakedFrames == 0))
}
