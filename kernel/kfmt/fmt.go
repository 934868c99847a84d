// Package kfmt implements the kernel and bootloader logging facilities.
//
// Output produced by Printf is sent to the active output sink. Before a sink
// is attached (e.g. after the firmware console became unusable and before the
// kernel brought up its own terminal) output is captured by a ring buffer and
// replayed into the next sink passed to SetOutputSink.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer stores Printf output while no sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it. Passing a nil writer
// detaches the current sink.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// OutputSink returns the currently attached output sink or nil if output is
// being buffered.
func OutputSink() io.Writer {
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. Messages should start with a "[module] " tag, e.g.:
//
//	kfmt.Printf("[loader] kernel_size = %d bytes\n", size)
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// activeSink returns the attached output sink or the early print buffer.
func activeSink() io.Writer {
	if outputSink == nil {
		return &earlyPrintBuffer
	}
	return outputSink
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early print buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	// Output is best-effort; there is nowhere to report a failing sink.
	_, _ = fmt.Fprintf(w, format, args...)
}
