package heap

import (
	"encoding/binary"

	"github.com/VegardSkui/Rockhopper/kernel"
	"github.com/VegardSkui/Rockhopper/kernel/mem"
)

// elemSize is the size of a Vector element in bytes.
const elemSize = 8

// Vector is a growable array of 64-bit values stored in heap memory. When
// it runs out of capacity the contents move to a new block twice as large.
type Vector struct {
	heap *Allocator

	addr     uint64
	len, cap int
}

// NewVector returns an empty vector backed by h.
func NewVector(h *Allocator) *Vector {
	return &Vector{heap: h}
}

// Len returns the number of elements in the vector.
func (v *Vector) Len() int {
	return v.len
}

// Append adds values to the end of the vector.
func (v *Vector) Append(values ...uint64) *kernel.Error {
	if err := v.reserve(v.len + len(values)); err != nil {
		return err
	}

	buf := make([]byte, len(values)*elemSize)
	for i, value := range values {
		binary.LittleEndian.PutUint64(buf[i*elemSize:], value)
	}

	if err := v.heap.Write(v.addr+uint64(v.len*elemSize), buf); err != nil {
		return err
	}

	v.len += len(values)
	return nil
}

// AppendVector moves the contents of other to the end of v, leaving other
// empty.
func (v *Vector) AppendVector(other *Vector) *kernel.Error {
	values, err := other.Values()
	if err != nil {
		return err
	}

	if err = v.Append(values...); err != nil {
		return err
	}

	other.len = 0
	return nil
}

// Values returns a copy of the vector contents.
func (v *Vector) Values() ([]uint64, *kernel.Error) {
	buf := make([]byte, v.len*elemSize)
	if err := v.heap.Read(v.addr, buf); err != nil {
		return nil, err
	}

	values := make([]uint64, v.len)
	for i := range values {
		values[i] = binary.LittleEndian.Uint64(buf[i*elemSize:])
	}
	return values, nil
}

// reserve grows the backing block so it can hold at least n elements.
func (v *Vector) reserve(n int) *kernel.Error {
	if n <= v.cap {
		return nil
	}

	newCap := max(n, 2*v.cap, 4)
	addr, err := v.heap.Alloc(mem.Size(newCap*elemSize), elemSize)
	if err != nil {
		return err
	}

	if v.len > 0 {
		buf := make([]byte, v.len*elemSize)
		if err = v.heap.Read(v.addr, buf); err != nil {
			return err
		}
		if err = v.heap.Write(addr, buf); err != nil {
			return err
		}
	}

	v.heap.Dealloc(v.addr, mem.Size(v.cap*elemSize))
	v.addr, v.cap = addr, newCap
	return nil
}
