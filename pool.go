package framepool

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/eapache/queue"
)

// BufferHandle identifies a pooled buffer, its backing memory and its capacity.
// Size is always a size class. The pool that created a handle owns it for its
// whole lifetime; a frame slot only borrows it.
type BufferHandle struct {
	ID     uint64 // Unique within the pool that created the handle.
	Buffer Buffer
	Memory Memory
	Size   uint64
}

// Stats is a snapshot of a pool's lists and counters.
type Stats struct {
	Free  map[uint64]int // Free handles per size class.
	Used  map[uint64]int // Borrowed handles per size class.
	Slots map[int]int    // Borrowed handles per frame slot.

	Created  uint64 // Handles created on the cold path or by Prewarm.
	Reused   uint64 // Allocations served from a free list.
	Released uint64 // Handles released by trimming or teardown.
	Trimmed  uint64 // Handles released by trimming.
}

// Live returns the number of handles currently owned by the pool.
func (s Stats) Live() int {
	return int(s.Created - s.Released)
}

type PoolOption func(*BufferPool)

func WithLogger(logger *slog.Logger) PoolOption {
	return func(p *BufferPool) { p.logger = logger }
}

func WithPoolConfig(config PoolConfig) PoolOption {
	return func(p *BufferPool) { p.freeThreshold = config.FreeThreshold }
}

// BufferPool lends buffers of a single usage to frame slots.
//
// Each size class keeps a FIFO free list and each frame slot keeps the list of
// handles it borrowed. Every handle is a member of exactly one of these lists
// until teardown. A single mutex guards all lists and is held for the full
// duration of each operation.
type BufferPool struct {
	mu      sync.Mutex
	logger  *slog.Logger
	factory BufferFactory
	usage   BufferUsage

	free map[uint64]*queue.Queue // Size class -> FIFO of BufferHandle.
	used map[int][]BufferHandle  // Frame slot -> borrowed handles in borrow order.

	// freeThreshold is the number of free handles per size class the pool can
	// hold before starting to release memory.
	freeThreshold int

	nextID uint64
	closed bool
	stats  Stats
}

// NewBufferPool creates an empty pool creating buffers of the given usage through
// factory. No device resources are created until the first Allocate.
func NewBufferPool(factory BufferFactory, usage BufferUsage, opts ...PoolOption) *BufferPool {
	p := &BufferPool{
		logger:  slog.Default(),
		factory: factory,
		usage:   usage,
		free:    make(map[uint64]*queue.Queue),
		used:    make(map[int][]BufferHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("pool", usage.String())
	return p
}

// Usage returns the usage of every buffer in the pool.
func (p *BufferPool) Usage() BufferUsage {
	return p.usage
}

// Factory returns the factory the pool creates buffers with.
func (p *BufferPool) Factory() BufferFactory {
	return p.factory
}

// Allocate lends slot a buffer of at least size bytes.
//
// A free buffer of the matching size class is reused when there is one;
// otherwise a new buffer is created through the factory. A creation failure
// returns a *ResourceCreationError and leaves the pool unchanged.
func (p *BufferPool) Allocate(slot int, size uint64) (BufferHandle, error) {
	if slot < 0 {
		return BufferHandle{}, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	if size > MaxSize {
		return BufferHandle{}, fmt.Errorf("%w: %d bytes", ErrRequestTooLarge, size)
	}
	class := RoundUp(size)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return BufferHandle{}, ErrPoolClosed
	}

	if q := p.free[class]; q != nil && q.Length() > 0 {
		h := q.Remove().(BufferHandle)
		p.used[slot] = append(p.used[slot], h)
		p.stats.Reused++
		return h, nil
	}

	h, err := p.create(class)
	if err != nil {
		return BufferHandle{}, err
	}
	p.used[slot] = append(p.used[slot], h)
	return h, nil
}

// FreeAll returns every buffer borrowed by slot to the free list of its size
// class, in borrow order.
//
// The caller must have established that the GPU finished the previous submission
// of slot, typically by waiting on the slot's fence. The pool does not check this.
func (p *BufferPool) FreeAll(slot int) {
	var toRelease []BufferHandle

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	used := p.used[slot]
	touched := make(map[uint64]struct{})
	for _, h := range used {
		p.freeList(h.Size).Add(h)
		touched[h.Size] = struct{}{}
	}
	clear(used)
	p.used[slot] = used[:0]
	for class := range touched {
		toRelease = append(toRelease, trimFreeList(p.free[class], p.freeThreshold)...)
	}
	p.stats.Trimmed += uint64(len(toRelease))
	p.stats.Released += uint64(len(toRelease))
	p.mu.Unlock()

	// Trimmed handles are no longer in any list; release them outside of the lock
	// to avoid blocking other operations on device calls.
	if len(toRelease) > 0 {
		p.logger.Debug("trimmed free lists", "slot", slot, "released", len(toRelease))
	}
	for _, h := range toRelease {
		p.factory.ReleaseBuffer(h.Buffer, h.Memory)
	}
}

// Prewarm ensures that at least count free buffers of size class class exist.
func (p *BufferPool) Prewarm(class uint64, count int) error {
	if !IsSizeClass(class) {
		return fmt.Errorf("%w: %d", ErrInvalidSizeClass, class)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	q := p.freeList(class)
	for n := count - q.Length(); n > 0; n-- {
		h, err := p.create(class)
		if err != nil {
			return err
		}
		q.Add(h)
	}
	return nil
}

// Trim releases every free buffer and returns how many were released. Borrowed
// buffers are not affected.
func (p *BufferPool) Trim() int {
	var toRelease []BufferHandle

	p.mu.Lock()
	for _, class := range slices.Sorted(maps.Keys(p.free)) {
		q := p.free[class]
		for q.Length() > 0 {
			toRelease = append(toRelease, q.Remove().(BufferHandle))
		}
	}
	p.stats.Trimmed += uint64(len(toRelease))
	p.stats.Released += uint64(len(toRelease))
	p.mu.Unlock()

	for _, h := range toRelease {
		p.factory.ReleaseBuffer(h.Buffer, h.Memory)
	}
	return len(toRelease)
}

// Teardown releases every buffer the pool owns, free or borrowed, and clears all
// lists. Calling it again is a no-op. Allocate fails with ErrPoolClosed afterwards.
func (p *BufferPool) Teardown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	var released uint64
	for _, class := range slices.Sorted(maps.Keys(p.free)) {
		q := p.free[class]
		for q.Length() > 0 {
			h := q.Remove().(BufferHandle)
			p.factory.ReleaseBuffer(h.Buffer, h.Memory)
			released++
		}
	}
	for _, slot := range slices.Sorted(maps.Keys(p.used)) {
		for _, h := range p.used[slot] {
			p.factory.ReleaseBuffer(h.Buffer, h.Memory)
			released++
		}
	}
	clear(p.free)
	clear(p.used)
	p.stats.Released += released
	p.logger.Debug("pool torn down", "released", released)
}

// Stats returns a snapshot of the pool.
func (p *BufferPool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Dump returns a human readable summary of free and borrowed buffers per size
// class and borrowed buffers per frame slot.
func (p *BufferPool) Dump() string {
	s := p.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "%s buffer pool:\n", p.usage)
	b.WriteString("\tsize classes:\n")
	classes := slices.Collect(maps.Keys(s.Free))
	for class := range s.Used {
		if _, ok := s.Free[class]; !ok {
			classes = append(classes, class)
		}
	}
	slices.Sort(classes)
	for _, class := range classes {
		fmt.Fprintf(&b, "\t\t[%d] free %d used %d\n", class, s.Free[class], s.Used[class])
	}
	b.WriteString("\tframe slots:\n")
	for _, slot := range slices.Sorted(maps.Keys(s.Slots)) {
		fmt.Fprintf(&b, "\t\t[%d] used %d\n", slot, s.Slots[slot])
	}
	fmt.Fprintf(&b, "\tcreated %d reused %d released %d trimmed %d\n",
		s.Created, s.Reused, s.Released, s.Trimmed)
	return b.String()
}

// LogDump writes the pool summary to the pool logger at debug level.
func (p *BufferPool) LogDump() {
	s := p.Stats()
	p.logger.Debug("buffer pool dump",
		"free", s.Free,
		"used", s.Used,
		"slots", s.Slots,
		"created", s.Created,
		"reused", s.Reused,
		"released", s.Released,
	)
}

func (p *BufferPool) statsLocked() Stats {
	s := p.stats
	s.Free = make(map[uint64]int, len(p.free))
	s.Used = make(map[uint64]int)
	s.Slots = make(map[int]int, len(p.used))
	for class, q := range p.free {
		if q.Length() > 0 {
			s.Free[class] = q.Length()
		}
	}
	for slot, handles := range p.used {
		if len(handles) == 0 {
			continue
		}
		s.Slots[slot] = len(handles)
		for _, h := range handles {
			s.Used[h.Size]++
		}
	}
	return s
}

// freeList returns the free list of a size class, creating it if needed.
// It assumes the caller holds the mutex.
func (p *BufferPool) freeList(class uint64) *queue.Queue {
	q, ok := p.free[class]
	if !ok {
		q = queue.New()
		p.free[class] = q
	}
	return q
}

// create makes a new handle of size class class. The handle is not placed in
// any list. It assumes the caller holds the mutex.
func (p *BufferPool) create(class uint64) (BufferHandle, error) {
	buf, mem, err := p.factory.CreateBuffer(class, p.usage)
	if err != nil {
		p.logger.Error("failed to create buffer", "size", class, "error", err)
		return BufferHandle{}, &ResourceCreationError{Usage: p.usage, Size: class, Err: err}
	}
	p.nextID++
	p.stats.Created++
	h := BufferHandle{ID: p.nextID, Buffer: buf, Memory: mem, Size: class}
	p.logger.Debug("created buffer", "id", h.ID, "size", class)
	return h, nil
}

// trimFreeList removes the oldest half of q if it holds more than threshold
// handles and returns the removed handles, which should be released.
func trimFreeList(q *queue.Queue, threshold int) []BufferHandle {
	if threshold <= 0 || q.Length() <= threshold {
		return nil
	}
	// Release half of the free handles to prevent thrashing around the threshold.
	n := q.Length() / 2
	out := make([]BufferHandle, 0, n)
	for range n {
		out = append(out, q.Remove().(BufferHandle))
	}
	return out
}
