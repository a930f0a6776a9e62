// Package softgpu implements a software graphics device with host-visible memory,
// fences, a submission queue and a paced presentation surface.
//
// Device memory is anonymous mmap'd memory outside the Go heap. The queue keeps
// track of every buffer bound to a submission and reports a hazard when the host
// writes to such a buffer before the submission completed.
package softgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/holmberd/go-framepool"
)

var (
	ErrOutOfDeviceMemory = errors.New("out of device memory")
	ErrUnknownHandle     = errors.New("unknown handle")
	ErrAlreadyBound      = errors.New("buffer already has memory bound")
	ErrMemoryTooSmall    = errors.New("memory allocation too small for buffer")
	ErrHazard            = errors.New("buffer written while in use by the device")
)

const bufferAlignment = 256

// DefaultMemoryTypes is the memory type list of a Device unless configured
// otherwise: one device-local type followed by two host-visible types.
var DefaultMemoryTypes = framepool.MemoryTypeTable{
	framepool.MemoryPropertyDeviceLocal,
	framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent,
	framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCached,
}

type DeviceConfig struct {
	MemoryTypes framepool.MemoryTypeTable
	MemoryLimit uint64 // Maximum bytes of live allocations; 0 means unlimited.
	Logger      *slog.Logger
}

type buffer struct {
	size  uint64
	usage framepool.BufferUsage
	mem   framepool.Memory // 0 while unbound.
}

type allocation struct {
	data      []byte
	typeIndex uint32
	mapped    bool
}

// DeviceStats counts the live objects of a device.
type DeviceStats struct {
	Buffers        int
	Allocations    int
	AllocatedBytes uint64
}

// Device is a software framepool.Device. It is safe for concurrent use.
type Device struct {
	mu          sync.Mutex
	logger      *slog.Logger
	memoryTypes framepool.MemoryTypeTable
	memoryLimit uint64

	nextHandle     uint64
	buffers        map[framepool.Buffer]*buffer
	allocations    map[framepool.Memory]*allocation
	allocatedBytes uint64

	hazards []error
}

var _ framepool.Device = (*Device)(nil)

func NewDevice(config DeviceConfig) *Device {
	d := &Device{
		logger:      config.Logger,
		memoryTypes: config.MemoryTypes,
		memoryLimit: config.MemoryLimit,
		buffers:     make(map[framepool.Buffer]*buffer),
		allocations: make(map[framepool.Memory]*allocation),
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if len(d.memoryTypes) == 0 {
		d.memoryTypes = DefaultMemoryTypes
	}
	return d
}

// MemoryTypes returns the memory types of the device. It serves as the memory
// type resolver for buffers created on the device.
func (d *Device) MemoryTypes() framepool.MemoryTypeTable {
	return d.memoryTypes
}

func (d *Device) CreateBuffer(size uint64, usage framepool.BufferUsage) (framepool.Buffer, framepool.MemoryRequirements, error) {
	if size == 0 {
		return 0, framepool.MemoryRequirements{}, errors.New("buffer size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextHandle++
	h := framepool.Buffer(d.nextHandle)
	d.buffers[h] = &buffer{size: size, usage: usage}
	req := framepool.MemoryRequirements{
		Size:      alignUp(size, bufferAlignment),
		Alignment: bufferAlignment,
		TypeBits:  1<<len(d.memoryTypes) - 1,
	}
	return h, req, nil
}

func (d *Device) AllocateMemory(size uint64, typeIndex uint32) (framepool.Memory, error) {
	if int(typeIndex) >= len(d.memoryTypes) {
		return 0, fmt.Errorf("invalid memory type index %d", typeIndex)
	}
	if size == 0 {
		return 0, errors.New("allocation size must be positive")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.memoryLimit > 0 && d.allocatedBytes+size > d.memoryLimit {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrOutOfDeviceMemory, size, d.allocatedBytes, d.memoryLimit)
	}

	// Use unix.Mmap to back device memory with virtual memory that is not part
	// of the Go heap.
	data, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfDeviceMemory, size, err)
	}
	d.nextHandle++
	m := framepool.Memory(d.nextHandle)
	d.allocations[m] = &allocation{data: data, typeIndex: typeIndex}
	d.allocatedBytes += size
	return m, nil
}

func (d *Device) BindBufferMemory(buf framepool.Buffer, mem framepool.Memory, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return fmt.Errorf("%w: buffer %d", ErrUnknownHandle, buf)
	}
	a, ok := d.allocations[mem]
	if !ok {
		return fmt.Errorf("%w: memory %d", ErrUnknownHandle, mem)
	}
	if b.mem != 0 {
		return fmt.Errorf("%w: buffer %d", ErrAlreadyBound, buf)
	}
	if offset+b.size > uint64(len(a.data)) {
		return fmt.Errorf("%w: buffer %d needs %d bytes at offset %d, memory %d has %d",
			ErrMemoryTooSmall, buf, b.size, offset, mem, len(a.data))
	}
	b.mem = mem
	return nil
}

func (d *Device) DestroyBuffer(buf framepool.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, buf)
}

func (d *Device) FreeMemory(mem framepool.Memory) {
	d.mu.Lock()
	a, ok := d.allocations[mem]
	if ok {
		delete(d.allocations, mem)
		d.allocatedBytes -= uint64(len(a.data))
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	if err := unix.Munmap(a.data); err != nil {
		d.logger.Error("failed to unmap device memory", "memory", mem, "error", err)
	}
}

func (d *Device) MapMemory(mem framepool.Memory, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a, ok := d.allocations[mem]
	if !ok {
		return nil, fmt.Errorf("%w: memory %d", ErrUnknownHandle, mem)
	}
	if d.memoryTypes[a.typeIndex]&framepool.MemoryPropertyHostVisible == 0 {
		return nil, fmt.Errorf("%w: memory %d is not host visible", framepool.ErrNotMappable, mem)
	}
	if size > uint64(len(a.data)) {
		return nil, fmt.Errorf("map %d bytes of memory %d: allocation has %d", size, mem, len(a.data))
	}
	a.mapped = true
	return a.data[:size:size], nil
}

func (d *Device) UnmapMemory(mem framepool.Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.allocations[mem]; ok {
		a.mapped = false
	}
}

// Stats returns the number of live objects on the device.
func (d *Device) Stats() DeviceStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceStats{
		Buffers:        len(d.buffers),
		Allocations:    len(d.allocations),
		AllocatedBytes: d.allocatedBytes,
	}
}

// Hazards returns every hazard detected by queues of the device, joined.
func (d *Device) Hazards() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.hazards...)
}

func (d *Device) reportHazard(err error) {
	d.mu.Lock()
	d.hazards = append(d.hazards, err)
	d.mu.Unlock()
	d.logger.Error("device hazard", "error", err)
}

// digest hashes the bytes a bound buffer reads from. The device lock is held
// while hashing so the memory cannot be unmapped underneath.
func (d *Device) digest(buf framepool.Buffer) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.buffers[buf]
	if !ok {
		return 0, fmt.Errorf("%w: buffer %d", ErrUnknownHandle, buf)
	}
	a, ok := d.allocations[b.mem]
	if !ok {
		return 0, fmt.Errorf("buffer %d has no memory bound", buf)
	}
	return xxhash.Sum64(a.data[:b.size]), nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
