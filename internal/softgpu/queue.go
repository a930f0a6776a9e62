package softgpu

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holmberd/go-framepool"
)

var (
	ErrFenceNotReset     = errors.New("fence submitted while signaled")
	ErrFencePending      = errors.New("fence reset while its submission is pending")
	ErrNotRecording      = errors.New("command buffer is not recording")
	ErrRecording         = errors.New("command buffer is still recording")
	ErrCommandBufferBusy = errors.New("command buffer is pending execution")
)

// Fence is a host-observable completion signal.
type Fence struct {
	mu      sync.Mutex
	done    chan struct{} // Closed when signaled.
	pending bool
}

var _ framepool.Fence = (*Fence)(nil)

// NewFence creates a fence, signaled or not.
func NewFence(signaled bool) *Fence {
	f := &Fence{done: make(chan struct{})}
	if signaled {
		close(f.done)
	}
	return f
}

func (f *Fence) Wait(ctx context.Context) error {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending {
		return ErrFencePending
	}
	if f.signaledLocked() {
		f.done = make(chan struct{})
	}
	return nil
}

// Signaled reports whether the fence is signaled.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaledLocked()
}

func (f *Fence) signaledLocked() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *Fence) arm() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaledLocked() {
		return ErrFenceNotReset
	}
	if f.pending {
		return ErrFencePending
	}
	f.pending = true
	return nil
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = false
	close(f.done)
}

// CommandBuffer records buffer bindings and draws for one frame slot.
type CommandBuffer struct {
	mu        sync.Mutex
	recording bool
	pending   bool
	bound     []framepool.BufferHandle
	vertices  uint64
}

var _ framepool.CommandBuffer = (*CommandBuffer)(nil)

func NewCommandBuffer() *CommandBuffer {
	return &CommandBuffer{}
}

func (c *CommandBuffer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return ErrCommandBufferBusy
	}
	c.recording = false
	clear(c.bound)
	c.bound = c.bound[:0]
	c.vertices = 0
	return nil
}

func (c *CommandBuffer) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending {
		return ErrCommandBufferBusy
	}
	if c.recording {
		return ErrRecording
	}
	c.recording = true
	return nil
}

func (c *CommandBuffer) End() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return ErrNotRecording
	}
	c.recording = false
	return nil
}

// Bind records that the following draws read from h.
func (c *CommandBuffer) Bind(h framepool.BufferHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return ErrNotRecording
	}
	c.bound = append(c.bound, h)
	return nil
}

// Draw records a draw of n vertices.
func (c *CommandBuffer) Draw(n uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return ErrNotRecording
	}
	c.vertices += uint64(n)
	return nil
}

// Bound returns the buffers bound since the last reset.
func (c *CommandBuffer) Bound() []framepool.BufferHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]framepool.BufferHandle(nil), c.bound...)
}

// Queue executes command buffers on a device. Execution takes Latency, during
// which every bound buffer is considered read by the device.
type Queue struct {
	device  *Device
	latency time.Duration

	wg sync.WaitGroup
}

var _ framepool.Queue = (*Queue)(nil)

func NewQueue(device *Device, latency time.Duration) *Queue {
	return &Queue{device: device, latency: latency}
}

type boundDigest struct {
	handle framepool.BufferHandle
	sum    uint64
}

func (q *Queue) Submit(cmd framepool.CommandBuffer, fence framepool.Fence) error {
	c, ok := cmd.(*CommandBuffer)
	if !ok {
		return fmt.Errorf("softgpu: unsupported command buffer %T", cmd)
	}
	f, ok := fence.(*Fence)
	if !ok {
		return fmt.Errorf("softgpu: unsupported fence %T", fence)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return ErrRecording
	}
	if c.pending {
		return ErrCommandBufferBusy
	}
	digests := make([]boundDigest, 0, len(c.bound))
	for _, h := range c.bound {
		sum, err := q.device.digest(h.Buffer)
		if err != nil {
			return fmt.Errorf("softgpu: submit: %w", err)
		}
		digests = append(digests, boundDigest{handle: h, sum: sum})
	}
	if err := f.arm(); err != nil {
		return err
	}
	c.pending = true

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.execute(c, f, digests)
	}()
	return nil
}

// WaitIdle blocks until every submission of the queue has completed.
func (q *Queue) WaitIdle() {
	q.wg.Wait()
}

func (q *Queue) execute(c *CommandBuffer, f *Fence, digests []boundDigest) {
	if q.latency > 0 {
		time.Sleep(q.latency)
	}
	// The device has read every bound buffer by now; any change since submit
	// means the host wrote to a buffer in flight.
	for _, d := range digests {
		sum, err := q.device.digest(d.handle.Buffer)
		if err != nil {
			q.device.reportHazard(fmt.Errorf("%w: buffer %d: %w", ErrHazard, d.handle.Buffer, err))
			continue
		}
		if sum != d.sum {
			q.device.reportHazard(fmt.Errorf("%w: buffer %d (handle %d, %d bytes)",
				ErrHazard, d.handle.Buffer, d.handle.ID, d.handle.Size))
		}
	}

	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()
	f.signal()
}
