// Package kfmt implements the kernel log. Output is sent to a configurable
// sink; anything printed before a sink is attached is captured by a ring
// buffer and replayed once SetOutputSink is called.
package kfmt

import (
	"fmt"
	"io"

	"kernmem/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// printLock serializes writes so lines from different CPUs do not
	// interleave.
	printLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	printLock.Acquire()
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
	printLock.Release()
}

// Printf formats according to a format specifier and writes to the active
// output sink. The format verbs are those supported by the fmt package. If
// no sink is attached, the output is buffered and replayed when a sink
// becomes available.
func Printf(format string, args ...interface{}) {
	printLock.Acquire()
	w := outputSink
	if w == nil {
		w = &earlyPrintBuffer
	}
	fmt.Fprintf(w, format, args...)
	printLock.Release()
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		Printf(format, args...)
		return
	}

	fmt.Fprintf(w, format, args...)
}
