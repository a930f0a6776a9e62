package framepool_test

import (
	"errors"
	"testing"

	"github.com/holmberd/go-framepool"
	"github.com/holmberd/go-framepool/internal/testutils"
)

func TestMemoryTypeTableResolve(t *testing.T) {
	table := framepool.MemoryTypeTable{
		framepool.MemoryPropertyDeviceLocal,
		framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCached,
		framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent,
		framepool.MemoryPropertyDeviceLocal | framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent,
	}
	hostCoherent := framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent

	testCases := []struct {
		name     string
		typeBits uint32
		required framepool.MemoryPropertyFlags
		want     uint32
		wantErr  error
	}{
		{"First matching type", 0b1111, hostCoherent, 2, nil},
		{"Type bits exclude a match", 0b1011, hostCoherent, 3, nil},
		{"No properties required", 0b1000, 0, 3, nil},
		{"Device local", 0b1111, framepool.MemoryPropertyDeviceLocal, 0, nil},
		{"No allowed type matches", 0b0011, hostCoherent, 0, framepool.ErrNoMemoryType},
		{"No allowed types", 0, 0, 0, framepool.ErrNoMemoryType},
		{"Bits past the table", 0b110000, 0, 0, framepool.ErrNoMemoryType},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := table.ResolveMemoryType(tc.typeBits, tc.required)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Errorf("expected error %q, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to resolve: %v", err)
			}
			if got != tc.want {
				t.Errorf("expected memory type %d, got %d", tc.want, got)
			}
		})
	}
}

func TestDeviceBufferFactory(t *testing.T) {
	table := framepool.MemoryTypeTable{
		framepool.MemoryPropertyDeviceLocal,
		framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent,
	}

	t.Run("Creates bound host-visible buffers", func(t *testing.T) {
		device := testutils.NewMockDevice()
		factory := framepool.NewDeviceBufferFactory(device, table)
		buf, mem, err := factory.CreateBuffer(128, framepool.BufferUsageVertex)
		if err != nil {
			t.Fatal(err)
		}
		if device.Bound[buf] != mem {
			t.Errorf("expected buffer %d to be bound to memory %d", buf, mem)
		}
		if typeIndex := device.Allocations[mem]; typeIndex != 1 {
			t.Errorf("expected host-visible memory type 1, got %d", typeIndex)
		}
		factory.ReleaseBuffer(buf, mem)
		if len(device.Buffers) != 0 || len(device.Allocations) != 0 {
			t.Errorf("expected release to destroy everything, got %d buffers and %d allocations",
				len(device.Buffers), len(device.Allocations))
		}
	})

	failures := []struct {
		name   string
		inject func(d *testutils.MockDevice)
	}{
		{"Buffer creation fails", func(d *testutils.MockDevice) { d.FailCreateBuffer = true }},
		{"No memory type", func(d *testutils.MockDevice) { d.TypeBits = 0b01 }},
		{"Memory allocation fails", func(d *testutils.MockDevice) { d.FailAllocateMemory = true }},
		{"Bind fails", func(d *testutils.MockDevice) { d.FailBind = true }},
	}
	for _, tc := range failures {
		t.Run(tc.name, func(t *testing.T) {
			device := testutils.NewMockDevice()
			tc.inject(device)
			factory := framepool.NewDeviceBufferFactory(device, table)
			if _, _, err := factory.CreateBuffer(64, framepool.BufferUsageIndex); err == nil {
				t.Fatal("expected creation to fail")
			}
			if len(device.Buffers) != 0 || len(device.Allocations) != 0 {
				t.Errorf("expected no partially created resources, got %d buffers and %d allocations",
					len(device.Buffers), len(device.Allocations))
			}
		})
	}

	t.Run("Pool surfaces factory failures", func(t *testing.T) {
		device := testutils.NewMockDevice()
		device.FailAllocateMemory = true
		pool := framepool.NewBufferPool(framepool.NewDeviceBufferFactory(device, table), framepool.BufferUsageIndex)
		defer pool.Teardown()
		_, err := pool.Allocate(0, 100)
		if !errors.Is(err, framepool.ErrResourceCreation) || !errors.Is(err, testutils.ErrInjected) {
			t.Errorf("expected a resource creation error wrapping the device error, got %v", err)
		}
		if s := pool.Stats(); s.Live() != 0 || len(s.Slots) != 0 {
			t.Errorf("expected an empty pool, got %+v", s)
		}
	})
}

func TestBufferUsageString(t *testing.T) {
	testCases := map[framepool.BufferUsage]string{
		framepool.BufferUsageVertex: "vertex",
		framepool.BufferUsageIndex:  "index",
		framepool.BufferUsageVertex | framepool.BufferUsageIndex: "unknown",
	}
	for usage, want := range testCases {
		if got := usage.String(); got != want {
			t.Errorf("expected %q for usage %#x, got %q", want, uint32(usage), got)
		}
	}
	flags := framepool.MemoryPropertyHostVisible | framepool.MemoryPropertyHostCoherent
	if got := flags.String(); got != "host-visible|host-coherent" {
		t.Errorf("unexpected memory property string %q", got)
	}
}
