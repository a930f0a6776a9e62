package framepool_test

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holmberd/go-framepool"
	"github.com/holmberd/go-framepool/internal/testutils"
)

// GOMAXPROCS=4 go clean -testcache && go test -bench=BenchmarkBufferPool -benchtime=10s -benchmem .

// BenchmarkBufferPoolSteadyState simulates a render loop that allocates the
// same handful of buffers every frame, so after warmup every request is served
// from a free list.
func BenchmarkBufferPoolSteadyState(b *testing.B) {
	p := framepool.NewBufferPool(testutils.NewMockFactory(), framepool.BufferUsageVertex)
	defer p.Teardown()

	sizes := []uint64{40, 100, 1000, 4 * framepool.KiB}
	b.ResetTimer()
	b.ReportAllocs()
	for i := range b.N {
		slot := i % 3
		p.FreeAll(slot)
		for _, size := range sizes {
			if _, err := p.Allocate(slot, size); err != nil {
				b.Fatal(err)
			}
		}
	}
}

// BenchmarkBufferPoolParallel simulates several recording threads sharing one
// pool, each owning a frame slot of its own.
func BenchmarkBufferPoolParallel(b *testing.B) {
	p := framepool.NewBufferPool(testutils.NewMockFactory(), framepool.BufferUsageVertex)
	defer p.Teardown()

	var nextSlot atomic.Int64
	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		// Each goroutine gets its own random number source to avoid lock contention.
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		slot := int(nextSlot.Add(1))
		n := 0
		for pb.Next() {
			size := uint64(rng.Intn(64*int(framepool.KiB))) + 1
			if _, err := p.Allocate(slot, size); err != nil {
				panic(fmt.Errorf("failed to allocate %d bytes: %w", size, err))
			}
			if n++; n%16 == 0 {
				p.FreeAll(slot)
			}
		}
	})
}

// BenchmarkBufferPoolTrim simulates a workload where every frame needs more
// buffers than the free threshold allows the pool to keep.
func BenchmarkBufferPoolTrim(b *testing.B) {
	p := framepool.NewBufferPool(testutils.NewMockFactory(), framepool.BufferUsageIndex,
		framepool.WithPoolConfig(framepool.PoolConfig{FreeThreshold: 8}))
	defer p.Teardown()

	b.ResetTimer()
	b.ReportAllocs()
	for range b.N {
		for range 32 {
			if _, err := p.Allocate(0, 256); err != nil {
				b.Fatal(err)
			}
		}
		p.FreeAll(0)
	}
}
