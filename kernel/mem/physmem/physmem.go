// Package physmem emulates the machine's physical memory. It is the only
// package that touches raw memory contents; everything else addresses memory
// through frames and physical addresses.
package physmem

import (
	"encoding/binary"
	"io"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
	"github.com/VegardSkui/Rockhopper/kernel/mem/pmm"
)

var (
	errNegativeOffset = &kernel.Error{Module: "physmem", Message: "negative physical address"}
)

// page holds the contents of a single physical frame.
type page [mem.PageSize]byte

// RAM is a sparse physical memory arena. Frames are materialized on first
// write; memory that was never written reads as zero.
type RAM struct {
	frames map[pmm.Frame]*page
}

// New returns an empty arena.
func New() *RAM {
	return &RAM{frames: make(map[pmm.Frame]*page)}
}

// lookup returns the backing page for frame. If the frame has not been
// written yet, lookup returns nil unless create is set.
func (r *RAM) lookup(frame pmm.Frame, create bool) *page {
	pg := r.frames[frame]
	if pg == nil && create {
		pg = new(page)
		r.frames[frame] = pg
	}
	return pg
}

// ReadAt implements io.ReaderAt using off as a physical address.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	r.Read(uint64(off), p)
	return len(p), nil
}

// WriteAt implements io.WriterAt using off as a physical address.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errNegativeOffset
	}

	r.Write(uint64(off), p)
	return len(p), nil
}

// Read copies len(p) bytes starting at physAddr into p.
func (r *RAM) Read(physAddr uint64, p []byte) {
	for len(p) > 0 {
		offset := physAddr & uint64(mem.PageSize-1)
		n := copyLen(offset, len(p))

		if pg := r.lookup(pmm.FrameFromAddress(physAddr), false); pg != nil {
			copy(p[:n], pg[offset:])
		} else {
			clear(p[:n])
		}

		p, physAddr = p[n:], physAddr+uint64(n)
	}
}

// Write copies p to the physical memory starting at physAddr.
func (r *RAM) Write(physAddr uint64, p []byte) {
	for len(p) > 0 {
		offset := physAddr & uint64(mem.PageSize-1)
		n := copyLen(offset, len(p))

		pg := r.lookup(pmm.FrameFromAddress(physAddr), true)
		copy(pg[offset:], p[:n])

		p, physAddr = p[n:], physAddr+uint64(n)
	}
}

// ReadUint64 returns the little-endian 64-bit value at physAddr.
func (r *RAM) ReadUint64(physAddr uint64) uint64 {
	var buf [8]byte
	r.Read(physAddr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// WriteUint64 stores v in little-endian order at physAddr.
func (r *RAM) WriteUint64(physAddr, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	r.Write(physAddr, buf[:])
}

// Memset sets size bytes starting at physAddr to the supplied value. Within
// each frame, instead of using a for loop, it uses log2(size) copy calls.
func (r *RAM) Memset(physAddr uint64, value byte, size mem.Size) {
	for size > 0 {
		offset := physAddr & uint64(mem.PageSize-1)
		n := copyLen(offset, int(min(size, mem.PageSize)))
		frame := pmm.FrameFromAddress(physAddr)

		switch {
		case value == 0 && n == int(mem.PageSize):
			delete(r.frames, frame)
		case value == 0 && r.lookup(frame, false) == nil:
			// Already reads as zero.
		default:
			target := r.lookup(frame, true)[offset : offset+uint64(n)]
			target[0] = value
			for index := 1; index < n; index *= 2 {
				copy(target[index:], target[:index])
			}
		}

		size -= mem.Size(n)
		physAddr += uint64(n)
	}
}

// ZeroFrames clears the contents of count frames starting at frame.
func (r *RAM) ZeroFrames(frame pmm.Frame, count uint64) {
	r.Memset(frame.Address(), 0, mem.Size(count)*mem.PageSize)
}

// Memcopy copies size bytes from the physical address src to dst. The
// regions must not overlap.
func (r *RAM) Memcopy(src, dst uint64, size mem.Size) {
	var buf page
	for size > 0 {
		n := min(size, mem.PageSize)
		r.Read(src, buf[:n])
		r.Write(dst, buf[:n])

		size -= n
		src, dst = src+uint64(n), dst+uint64(n)
	}
}

// ResidentFrames returns the number of frames that hold data.
func (r *RAM) ResidentFrames() int {
	return len(r.frames)
}

// copyLen returns how many of the remaining bytes fit in the current frame
// given the offset into it.
func copyLen(offset uint64, remaining int) int {
	if avail := int(uint64(mem.PageSize) - offset); remaining > avail {
		return avail
	}
	return remaining
}

var (
	_ io.ReaderAt = (*RAM)(nil)
	_ io.WriterAt = (*RAM)(nil)
)
