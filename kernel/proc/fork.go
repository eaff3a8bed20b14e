package proc

import (
	"kernmem/kernel"
	"kernmem/kernel/mm/cow"
	"kernmem/kernel/mm/vmm"
)

// Fork creates a process with the given ID whose address space is a copy of
// the parent's. No memory is copied: every page is shared with the child.
// Writable pages become read-only copy-on-write pages in both processes and
// are copied when either of them writes to them.
//
// If the copy-on-write bookkeeping or the child's page tables cannot be
// allocated, the child is torn down and the error is returned. Pages of the
// parent that were already converted stay shared with the parent as their
// only owner; the first write to them upgrades them in place.
func (t *Table) Fork(parent *Process, childPID cow.PID) (*Process, *kernel.Error) {
	tracker, err := t.cowTracker()
	if err != nil {
		return nil, err
	}

	parent.lock.Acquire()
	defer parent.lock.Release()

	if parent.exited {
		return nil, errNotRunning
	}

	child, err := t.newProcess(childPID)
	if err != nil {
		return nil, err
	}

	for _, m := range parent.mappings() {
		flags := m.flags
		if flags&vmm.FlagShared == 0 {
			// first time this frame is shared; the parent becomes an owner
			if err = tracker.Add(parent.PID, m.frame); err != nil {
				child.abortFork(tracker)
				return nil, err
			}

			flags |= vmm.FlagShared
			if flags&vmm.FlagRW != 0 {
				flags = (flags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite
			}

			// the page is already mapped so no page tables are needed
			_ = parent.space.Map(m.page, m.frame, flags&^(vmm.FlagAccessed|vmm.FlagDirty))
			parent.own--
			parent.shared++
		}

		if err = tracker.Add(child.PID, m.frame); err != nil {
			child.abortFork(tracker)
			return nil, err
		}

		if err = child.space.Map(m.page, m.frame, flags&^(vmm.FlagAccessed|vmm.FlagDirty)); err != nil {
			_, _ = tracker.Remove(child.PID, m.frame)
			child.abortFork(tracker)
			return nil, err
		}
		child.shared++
	}

	if err = t.register(child); err != nil {
		child.abortFork(tracker)
		return nil, err
	}

	return child, nil
}

// abortFork drops the child's share of every page mapped so far and releases
// its page tables. The parent still owns all of these frames so none of them
// needs to be freed.
func (p *Process) abortFork(tracker *cow.Tracker) {
	for _, m := range p.mappings() {
		_, _ = tracker.Remove(p.PID, m.frame)
	}
	p.shared = 0
	p.space.Destroy()
	p.exited = true
}
