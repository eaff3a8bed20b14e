package kfmt

import "kernmem/kernel"

var (
	// haltFn stops the current flow of execution once the panic banner has
	// been printed. Tests replace it to observe the halt.
	haltFn = func(err *kernel.Error) { panic(err) }
)

// Panic outputs the supplied error (if not nil) to the kernel log and halts.
// Calls to Panic never return. Invariant violations anywhere in the memory
// subsystem end up here.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}
