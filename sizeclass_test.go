package framepool

import (
	"math/rand"
	"testing"
)

func TestRoundUp(t *testing.T) {
	testCases := []struct {
		n    uint64
		want uint64
	}{
		{0, 32},
		{1, 32},
		{10, 32},
		{32, 32},
		{33, 64},
		{40, 64},
		{64, 64},
		{65, 128},
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
		{1<<40 + 1, 1 << 41},
		{MaxSize, MaxSize},
		{MaxSize - 1, MaxSize},
	}
	for _, tc := range testCases {
		if got := RoundUp(tc.n); got != tc.want {
			t.Errorf("RoundUp(%d): expected %d, got %d", tc.n, tc.want, got)
		}
	}
}

// roundUpByDoubling is the reference definition of a size class.
func roundUpByDoubling(n uint64) uint64 {
	if n <= MinSize {
		return MinSize
	}
	class := uint64(MinSize)
	for class < n {
		class *= 2
	}
	return class
}

func TestRoundUpProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	values := []uint64{0, 1, MinSize - 1, MinSize, MinSize + 1}
	for range 10000 {
		// Spread requests over many magnitudes.
		values = append(values, rng.Uint64()>>(rng.Intn(63)+1))
	}

	prev := uint64(0)
	prevClass := uint64(0)
	for _, n := range values {
		class := RoundUp(n)
		if class < n {
			t.Fatalf("RoundUp(%d) = %d does not cover the request", n, class)
		}
		if !IsSizeClass(class) {
			t.Fatalf("RoundUp(%d) = %d is not a size class", n, class)
		}
		if again := RoundUp(class); again != class {
			t.Fatalf("RoundUp is not idempotent: RoundUp(%d) = %d, RoundUp(%d) = %d", n, class, class, again)
		}
		if class > MinSize && class/2 >= n {
			t.Fatalf("RoundUp(%d) = %d is not minimal, %d also covers it", n, class, class/2)
		}
		if want := roundUpByDoubling(n); class != want {
			t.Fatalf("RoundUp(%d): expected %d, got %d", n, want, class)
		}
		if n >= prev && class < prevClass {
			t.Fatalf("RoundUp is not monotonic: RoundUp(%d) = %d, RoundUp(%d) = %d", prev, prevClass, n, class)
		}
		prev, prevClass = n, class
	}
}

func TestIsSizeClass(t *testing.T) {
	for _, n := range []uint64{32, 64, 4096, MaxSize} {
		if !IsSizeClass(n) {
			t.Errorf("expected %d to be a size class", n)
		}
	}
	for _, n := range []uint64{0, 1, 16, 33, 48, 100} {
		if IsSizeClass(n) {
			t.Errorf("expected %d not to be a size class", n)
		}
	}
}
