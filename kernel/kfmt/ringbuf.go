package kfmt

import "io"

// ringBufferSize is large enough to hold the loader output emitted between
// exiting the boot services and the kernel attaching its terminal. It must
// be a power of 2.
const ringBufferSize = 4096

// ringBuffer keeps the most recent ringBufferSize bytes written to it. When
// full, new writes overwrite the oldest data.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// start is the index of the oldest unread byte and count the number of
	// unread bytes.
	start, count int
}

// Write stores p in the buffer, discarding the oldest bytes if p does not
// fit in the remaining space. It never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.start+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.start = (rb.start + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read reads up to len(p) unread bytes into p. It returns io.EOF once the
// buffer has been drained.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	// Copy the contiguous part first; a second Read picks up the wrapped
	// remainder.
	n := ringBufferSize - rb.start
	if n > rb.count {
		n = rb.count
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[rb.start:rb.start+n])
	rb.start = (rb.start + n) & (ringBufferSize - 1)
	rb.count -= n

	return n, nil
}

// Len returns the number of unread bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}
