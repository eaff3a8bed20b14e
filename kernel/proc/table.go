// Package proc manages the address spaces of processes: anonymous mappings,
// duplication with copy-on-write sharing, write fault resolution and
// teardown.
package proc

import (
	"kernmem/kernel"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/mm/vmm"
	"kernmem/kernel/sync"
)

var (
	errPIDInUse   = &kernel.Error{Module: "proc", Message: "process ID already in use"}
	errNoTracker  = &kernel.Error{Module: "proc", Message: "no copy-on-write tracker attached"}
	errNotRunning = &kernel.Error{Module: "proc", Message: "process has exited"}
)

// Table maps process IDs to processes. It implements cow.AddressSpaces.
type Table struct {
	lock  sync.Spinlock
	procs map[cow.PID]*Process

	mem     vmm.PhysicalMemory
	frames  mm.FrameAllocator
	tracker *cow.Tracker
}

// NewTable returns an empty process table. Address spaces and anonymous
// memory are allocated from frames.
func NewTable(mem vmm.PhysicalMemory, frames mm.FrameAllocator) *Table {
	return &Table{
		procs:  make(map[cow.PID]*Process),
		mem:    mem,
		frames: frames,
	}
}

// SetTracker attaches the copy-on-write tracker used by Fork, faults and
// Exit. The tracker itself needs the table to resolve address spaces, so it
// is attached after both have been created.
func (t *Table) SetTracker(tracker *cow.Tracker) {
	t.lock.Acquire()
	t.tracker = tracker
	t.lock.Release()
}

// Spawn creates a process with an empty address space.
func (t *Table) Spawn(pid cow.PID) (*Process, *kernel.Error) {
	p, err := t.newProcess(pid)
	if err != nil {
		return nil, err
	}

	if err = t.register(p); err != nil {
		p.space.Destroy()
		return nil, err
	}
	return p, nil
}

// Lookup returns the process with the given ID or nil.
func (t *Table) Lookup(pid cow.PID) *Process {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.procs[pid]
}

// Space returns the address space of pid or nil if no such process exists.
func (t *Table) Space(pid cow.PID) cow.AddressSpace {
	t.lock.Acquire()
	defer t.lock.Release()

	if p, ok := t.procs[pid]; ok {
		return p.space
	}
	return nil
}

// Len returns the number of live processes.
func (t *Table) Len() int {
	t.lock.Acquire()
	defer t.lock.Release()
	return len(t.procs)
}

// Visit invokes visitor for each live process until it returns false.
func (t *Table) Visit(visitor func(*Process) bool) {
	t.lock.Acquire()
	procs := make([]*Process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.lock.Release()

	for _, p := range procs {
		if !visitor(p) {
			return
		}
	}
}

func (t *Table) newProcess(pid cow.PID) (*Process, *kernel.Error) {
	if t.Lookup(pid) != nil {
		return nil, errPIDInUse
	}

	space, err := vmm.NewPageTable(t.mem, t.frames)
	if err != nil {
		return nil, err
	}

	return &Process{PID: pid, table: t, space: space}, nil
}

func (t *Table) register(p *Process) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	if _, exists := t.procs[p.PID]; exists {
		return errPIDInUse
	}
	t.procs[p.PID] = p
	return nil
}

func (t *Table) unregister(pid cow.PID) {
	t.lock.Acquire()
	delete(t.procs, pid)
	t.lock.Release()
}

func (t *Table) cowTracker() (*cow.Tracker, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.tracker == nil {
		return nil, errNoTracker
	}
	return t.tracker, nil
}
