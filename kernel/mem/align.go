package mem

import "golang.org/x/exp/constraints"

// AlignUp rounds v up to the next multiple of align, which must be a power
// of two.
func AlignUp[T constraints.Unsigned](v, align T) T {
	return (v + align - 1) &^ (align - 1)
}

// AlignDown rounds v down to a multiple of align, which must be a power of
// two.
func AlignDown[T constraints.Unsigned](v, align T) T {
	return v &^ (align - 1)
}

// IsAligned reports whether v is a multiple of align.
func IsAligned[T constraints.Unsigned](v, align T) bool {
	return v&(align-1) == 0
}

// IsPowerOfTwo reports whether v is a non-zero power of two.
func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}
