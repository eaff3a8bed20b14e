// Package kernel contains the types and helpers shared by all kernel
// subsystems.
package kernel

// Error describes a kernel error. All kernel errors must be defined as global
// variables that are pointers to the Error structure. Callers compare errors
// by identity, e.g. err == pmm.ErrOutOfMemory.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error in the [module] message form used by the kernel
// log.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
