package testutils

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/holmberd/go-framepool"
)

var ErrInjected = errors.New("injected failure")

// MockFactory is a framepool.BufferFactory backed by Go slices. It tracks every
// buffer it created so tests can check for leaks and double releases.
type MockFactory struct {
	createCalls  atomic.Int64
	releaseCalls atomic.Int64

	// FailCreate makes CreateBuffer fail while set.
	FailCreate atomic.Bool

	mu       sync.Mutex
	next     uint64
	live     map[framepool.Buffer]framepool.Memory
	memory   map[framepool.Memory][]byte
	created  []framepool.Buffer
	released []framepool.Buffer
	errs     []error
}

var (
	_ framepool.BufferFactory = (*MockFactory)(nil)
	_ framepool.MemoryMapper  = (*MockFactory)(nil)
)

func NewMockFactory() *MockFactory {
	return &MockFactory{
		live:   make(map[framepool.Buffer]framepool.Memory),
		memory: make(map[framepool.Memory][]byte),
	}
}

func (f *MockFactory) CreateBuffer(size uint64, usage framepool.BufferUsage) (framepool.Buffer, framepool.Memory, error) {
	f.createCalls.Add(1)
	if f.FailCreate.Load() {
		return 0, 0, ErrInjected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	buf := framepool.Buffer(f.next)
	mem := framepool.Memory(f.next)
	f.live[buf] = mem
	f.memory[mem] = make([]byte, size)
	f.created = append(f.created, buf)
	return buf, mem, nil
}

func (f *MockFactory) ReleaseBuffer(buf framepool.Buffer, mem framepool.Memory) {
	f.releaseCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.live[buf]
	switch {
	case !ok:
		f.errs = append(f.errs, fmt.Errorf("release of unknown or released buffer %d", buf))
		return
	case m != mem:
		f.errs = append(f.errs, fmt.Errorf("buffer %d released with memory %d, bound to %d", buf, mem, m))
	}
	delete(f.live, buf)
	delete(f.memory, m)
	f.released = append(f.released, buf)
}

func (f *MockFactory) MapMemory(mem framepool.Memory, size uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.memory[mem]
	if !ok {
		return nil, fmt.Errorf("map of unknown memory %d", mem)
	}
	if size > uint64(len(b)) {
		return nil, fmt.Errorf("map of %d bytes, memory %d has %d", size, mem, len(b))
	}
	return b[:size], nil
}

func (f *MockFactory) UnmapMemory(mem framepool.Memory) {}

// Contents returns a copy of the memory bound to mem.
func (f *MockFactory) Contents(mem framepool.Memory) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.memory[mem]...)
}

func (f *MockFactory) CreateCalls() int64 {
	return f.createCalls.Load()
}

func (f *MockFactory) ReleaseCalls() int64 {
	return f.releaseCalls.Load()
}

// Live returns the number of created and not yet released buffers.
func (f *MockFactory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// Created returns every buffer created so far, in creation order.
func (f *MockFactory) Created() []framepool.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]framepool.Buffer(nil), f.created...)
}

// Released returns every buffer released so far, in release order.
func (f *MockFactory) Released() []framepool.Buffer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]framepool.Buffer(nil), f.released...)
}

// Err returns the release errors seen so far, such as double releases.
func (f *MockFactory) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.errs...)
}
