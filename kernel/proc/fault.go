package proc

import (
	"kernmem/kernel"
	"kernmem/kernel/kfmt"
	"kernmem/kernel/mm"
	"kernmem/kernel/mm/vmm"
)

// FaultCode describes the access that caused a page fault.
type FaultCode uint64

const (
	// FaultPresent is set when the faulting page was present; the fault
	// is a protection violation.
	FaultPresent FaultCode = 1 << iota

	// FaultWrite is set when the fault was caused by a write.
	FaultWrite

	// FaultUser is set when the fault occurred in user mode.
	FaultUser
)

var errUnrecoverableFault = &kernel.Error{Module: "proc", Message: "page/gpf fault"}

// HandleFault resolves a page fault at addr. Writes to copy-on-write pages
// are resolved by the copy-on-write tracker; any other fault cannot be
// recovered and is reported to the kernel log. The returned error indicates
// that the faulting process must be terminated.
func (p *Process) HandleFault(addr uintptr, code FaultCode) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	if p.exited {
		return errNotRunning
	}

	page := mm.PageFromAddress(addr)
	frame, flags, err := p.space.Lookup(page)

	// CoW is supported for RO pages with the CoW flag set
	if err == nil && code&FaultWrite != 0 && flags&vmm.FlagRW == 0 && flags&vmm.FlagCopyOnWrite != 0 {
		tracker, err := p.table.cowTracker()
		if err != nil {
			return p.nonRecoverablePageFault(addr, code, err)
		}

		if _, err = tracker.Pagefault(p.PID, addr, frame); err != nil {
			return p.nonRecoverablePageFault(addr, code, err)
		}

		// the page is now mapped exclusively, either to a private copy or
		// to the original frame
		p.own++
		p.shared--
		return nil
	}

	return p.nonRecoverablePageFault(addr, code, errUnrecoverableFault)
}

func (p *Process) nonRecoverablePageFault(faultAddress uintptr, code FaultCode, err *kernel.Error) *kernel.Error {
	kfmt.Printf("\n[proc] page fault in process %d while accessing address: 0x%16x\nReason: ", p.PID, faultAddress)
	switch code &^ FaultUser {
	case 0:
		kfmt.Printf("read from non-present page")
	case FaultPresent:
		kfmt.Printf("page protection violation (read)")
	case FaultWrite:
		kfmt.Printf("write to non-present page")
	case FaultPresent | FaultWrite:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}
	kfmt.Printf("\n[proc] %s\n", err.Message)

	return err
}
