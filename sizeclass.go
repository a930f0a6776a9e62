package framepool

import "math/bits"

const (
	KiB = 1024
	MiB = KiB * KiB

	// MinSize is the smallest size class. Smaller requests are served from it.
	MinSize = 32

	// MaxSize is the largest size class representable in a uint64.
	MaxSize = 1 << 63
)

// RoundUp returns the size class serving a request of n bytes: MinSize for
// n <= MinSize, otherwise the smallest power of two >= n. The result is undefined
// for n > MaxSize; callers reject such requests before rounding.
func RoundUp(n uint64) uint64 {
	if n <= MinSize {
		return MinSize
	}
	// Equivalent to doubling MinSize until it covers n.
	return 1 << bits.Len64(n-1)
}

// IsSizeClass reports whether n is a valid size class.
func IsSizeClass(n uint64) bool {
	return n >= MinSize && n&(n-1) == 0
}
