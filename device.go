package framepool

import (
	"fmt"
	"strings"
)

// Buffer is an opaque buffer object handle owned by a Device.
type Buffer uint64

// Memory is an opaque device memory allocation handle owned by a Device.
type Memory uint64

// BufferUsage describes what a pool's buffers are bound as. A pool uses one fixed
// usage for every buffer it creates.
type BufferUsage uint32

const (
	BufferUsageTransferSrc BufferUsage = 1 << 0
	BufferUsageTransferDst BufferUsage = 1 << 1
	BufferUsageUniform     BufferUsage = 1 << 4
	BufferUsageStorage     BufferUsage = 1 << 5
	BufferUsageIndex       BufferUsage = 1 << 6
	BufferUsageVertex      BufferUsage = 1 << 7
)

func (u BufferUsage) String() string {
	switch u {
	case BufferUsageVertex:
		return "vertex"
	case BufferUsageIndex:
		return "index"
	case BufferUsageUniform:
		return "uniform"
	case BufferUsageStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// MemoryPropertyFlags describe the properties of a memory type.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal  MemoryPropertyFlags = 1 << 0
	MemoryPropertyHostVisible  MemoryPropertyFlags = 1 << 1
	MemoryPropertyHostCoherent MemoryPropertyFlags = 1 << 2
	MemoryPropertyHostCached   MemoryPropertyFlags = 1 << 3
)

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "none"
	}
	names := []string{"device-local", "host-visible", "host-coherent", "host-cached"}
	var parts []string
	for i, name := range names {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
			f &^= 1 << i
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return strings.Join(parts, "|")
}

// MemoryRequirements are reported by a Device for a newly created buffer.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
	TypeBits  uint32 // Bit i set means memory type i can back the buffer.
}

// MemoryTypeResolver picks a memory type index for a set of allowed types and
// required property flags.
type MemoryTypeResolver interface {
	ResolveMemoryType(typeBits uint32, required MemoryPropertyFlags) (uint32, error)
}

// MemoryTypeTable is the memory type list of a physical device, indexed by memory
// type index.
type MemoryTypeTable []MemoryPropertyFlags

// ResolveMemoryType returns the lowest type index allowed by typeBits whose
// properties include all of required.
func (t MemoryTypeTable) ResolveMemoryType(typeBits uint32, required MemoryPropertyFlags) (uint32, error) {
	bits := typeBits
	for i := 0; i < len(t) && i < 32; i++ {
		if bits&1 == 1 && t[i]&required == required {
			return uint32(i), nil
		}
		bits >>= 1
	}
	return 0, fmt.Errorf("%w: type bits %#x, properties %s", ErrNoMemoryType, typeBits, required)
}

// MemoryMapper gives the host access to the bytes of a host-visible allocation.
type MemoryMapper interface {
	MapMemory(mem Memory, size uint64) ([]byte, error)
	UnmapMemory(mem Memory)
}

// Device is the subset of a graphics device needed to create pooled buffers.
// Handles returned by a Device are opaque to this package.
type Device interface {
	MemoryMapper
	CreateBuffer(size uint64, usage BufferUsage) (Buffer, MemoryRequirements, error)
	AllocateMemory(size uint64, typeIndex uint32) (Memory, error)
	BindBufferMemory(buf Buffer, mem Memory, offset uint64) error
	DestroyBuffer(buf Buffer)
	FreeMemory(mem Memory)
}

// BufferFactory creates a buffer with bound backing memory, and releases it again.
// CreateBuffer must not leave partially created resources behind when it fails.
type BufferFactory interface {
	CreateBuffer(size uint64, usage BufferUsage) (Buffer, Memory, error)
	ReleaseBuffer(buf Buffer, mem Memory)
}

// DeviceBufferFactory is a BufferFactory backed by a Device. Buffers are bound to
// host-visible, host-coherent memory so the host can fill them without flushes.
type DeviceBufferFactory struct {
	device     Device
	resolver   MemoryTypeResolver
	properties MemoryPropertyFlags
}

var (
	_ BufferFactory = (*DeviceBufferFactory)(nil)
	_ MemoryMapper  = (*DeviceBufferFactory)(nil)
)

func NewDeviceBufferFactory(device Device, resolver MemoryTypeResolver) *DeviceBufferFactory {
	return &DeviceBufferFactory{
		device:     device,
		resolver:   resolver,
		properties: MemoryPropertyHostVisible | MemoryPropertyHostCoherent,
	}
}

func (f *DeviceBufferFactory) CreateBuffer(size uint64, usage BufferUsage) (Buffer, Memory, error) {
	buf, req, err := f.device.CreateBuffer(size, usage)
	if err != nil {
		return 0, 0, fmt.Errorf("create buffer: %w", err)
	}
	typeIndex, err := f.resolver.ResolveMemoryType(req.TypeBits, f.properties)
	if err != nil {
		f.device.DestroyBuffer(buf)
		return 0, 0, err
	}
	mem, err := f.device.AllocateMemory(req.Size, typeIndex)
	if err != nil {
		f.device.DestroyBuffer(buf)
		return 0, 0, fmt.Errorf("allocate memory: %w", err)
	}
	if err := f.device.BindBufferMemory(buf, mem, 0); err != nil {
		f.device.DestroyBuffer(buf)
		f.device.FreeMemory(mem)
		return 0, 0, fmt.Errorf("bind buffer memory: %w", err)
	}
	return buf, mem, nil
}

func (f *DeviceBufferFactory) ReleaseBuffer(buf Buffer, mem Memory) {
	f.device.DestroyBuffer(buf)
	f.device.FreeMemory(mem)
}

func (f *DeviceBufferFactory) MapMemory(mem Memory, size uint64) ([]byte, error) {
	return f.device.MapMemory(mem, size)
}

func (f *DeviceBufferFactory) UnmapMemory(mem Memory) {
	f.device.UnmapMemory(mem)
}
