package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The loader uses it to tag everything
// it prints on the firmware console.
type PrefixWriter struct {
	// A writer where all writes get sent to. A nil Sink selects the
	// active output sink at the time of each write.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	// midLine is set when the last byte written was not a line feed.
	midLine bool
}

// Write writes p to the sink, emitting the prefix before the first byte of
// every line. The injected prefix is not included in the returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written int
		sink    = w.Sink
	)

	if sink == nil {
		sink = activeSink()
	}

	for len(p) > 0 {
		if !w.midLine {
			if _, err := sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		// Write up to and including the next line feed.
		end := len(p)
		for i, b := range p {
			if b == '\n' {
				end = i + 1
				break
			}
		}

		n, err := sink.Write(p[:end])
		written += n
		if err != nil {
			return written, err
		}

		if p[end-1] == '\n' {
			w.midLine = false
		}
		p = p[end:]
	}

	return written, nil
}
