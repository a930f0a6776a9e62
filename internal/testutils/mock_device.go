package testutils

import (
	"fmt"

	"github.com/holmberd/go-framepool"
)

// MockDevice is a framepool.Device whose individual calls can be made to fail.
// It is not safe for concurrent use.
type MockDevice struct {
	FailCreateBuffer   bool
	FailAllocateMemory bool
	FailBind           bool
	TypeBits           uint32

	next        uint64
	Buffers     map[framepool.Buffer]uint64 // Live buffers and their sizes.
	Allocations map[framepool.Memory]uint32 // Live allocations and their type index.
	Bound       map[framepool.Buffer]framepool.Memory
}

var _ framepool.Device = (*MockDevice)(nil)

func NewMockDevice() *MockDevice {
	return &MockDevice{
		TypeBits:    0b111,
		Buffers:     make(map[framepool.Buffer]uint64),
		Allocations: make(map[framepool.Memory]uint32),
		Bound:       make(map[framepool.Buffer]framepool.Memory),
	}
}

func (d *MockDevice) CreateBuffer(size uint64, usage framepool.BufferUsage) (framepool.Buffer, framepool.MemoryRequirements, error) {
	if d.FailCreateBuffer {
		return 0, framepool.MemoryRequirements{}, ErrInjected
	}
	d.next++
	buf := framepool.Buffer(d.next)
	d.Buffers[buf] = size
	return buf, framepool.MemoryRequirements{Size: size, Alignment: 1, TypeBits: d.TypeBits}, nil
}

func (d *MockDevice) AllocateMemory(size uint64, typeIndex uint32) (framepool.Memory, error) {
	if d.FailAllocateMemory {
		return 0, ErrInjected
	}
	d.next++
	mem := framepool.Memory(d.next)
	d.Allocations[mem] = typeIndex
	return mem, nil
}

func (d *MockDevice) BindBufferMemory(buf framepool.Buffer, mem framepool.Memory, offset uint64) error {
	if d.FailBind {
		return ErrInjected
	}
	if _, ok := d.Buffers[buf]; !ok {
		return fmt.Errorf("bind of unknown buffer %d", buf)
	}
	d.Bound[buf] = mem
	return nil
}

func (d *MockDevice) DestroyBuffer(buf framepool.Buffer) {
	delete(d.Buffers, buf)
	delete(d.Bound, buf)
}

func (d *MockDevice) FreeMemory(mem framepool.Memory) {
	delete(d.Allocations, mem)
}

func (d *MockDevice) MapMemory(mem framepool.Memory, size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func (d *MockDevice) UnmapMemory(mem framepool.Memory) {}
