package framepool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
)

// Surface is the presentation engine the frames are rendered for.
type Surface interface {
	// AcquireNextImage blocks until an image is available for rendering and
	// returns its index. It must return when ctx is done.
	AcquireNextImage(ctx context.Context) (int, error)
	Present(ctx context.Context, image int) error
}

// Fence is signaled by the device when a submission completes.
type Fence interface {
	// Wait blocks until the fence is signaled. It must return when ctx is done.
	Wait(ctx context.Context) error
	Reset() error
}

// CommandBuffer records the commands of one frame slot.
type CommandBuffer interface {
	Reset() error
	Begin() error
	End() error
}

// Queue executes recorded command buffers.
type Queue interface {
	// Submit schedules cmd for execution and signals fence once it completed.
	Submit(cmd CommandBuffer, fence Fence) error
}

// FrameSlot is the per-slot state of the frame ring: a command buffer and the
// fence of its latest submission. Fences must be created signaled so the first
// use of a slot does not block.
type FrameSlot struct {
	Commands CommandBuffer
	Fence    Fence
}

// FrameState is the position of a FrameController in its per-frame cycle.
type FrameState int32

const (
	StateIdle FrameState = iota
	StateImageAcquired
	StateRecording
	StateSubmitted
	StatePresented
)

func (s FrameState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateImageAcquired:
		return "imageAcquired"
	case StateRecording:
		return "recording"
	case StateSubmitted:
		return "submitted"
	case StatePresented:
		return "presented"
	default:
		return fmt.Sprintf("FrameState(%d)", s)
	}
}

type FrameOption func(*FrameController)

func WithFrameLogger(logger *slog.Logger) FrameOption {
	return func(c *FrameController) { c.logger = logger }
}

// FrameController drives the frames-in-flight loop and recycles the buffers of
// the bound pools.
//
// A controller is not safe for concurrent use; RenderFrame is meant to be called
// from a single rendering goroutine.
type FrameController struct {
	logger  *slog.Logger
	config  FrameConfig
	surface Surface
	queue   Queue
	slots   []FrameSlot
	pools   []*BufferPool
	state   atomic.Int32
	frames  uint64
}

// NewFrameController creates a controller over the given slot ring. Every pool in
// pools is recycled per slot as frames complete.
func NewFrameController(config FrameConfig, surface Surface, queue Queue, slots []FrameSlot, pools []*BufferPool, opts ...FrameOption) (*FrameController, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, errors.New("frame controller needs at least one frame slot")
	}
	for i, s := range slots {
		if s.Commands == nil || s.Fence == nil {
			return nil, fmt.Errorf("frame slot %d is missing a command buffer or fence", i)
		}
	}
	c := &FrameController{
		logger:  slog.Default(),
		config:  config,
		surface: surface,
		queue:   queue,
		slots:   slices.Clone(slots),
		pools:   slices.Clone(pools),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// State returns the current state of the frame cycle.
func (c *FrameController) State() FrameState {
	return FrameState(c.state.Load())
}

// Slots returns the depth of the frame ring.
func (c *FrameController) Slots() int {
	return len(c.slots)
}

// Frames returns the number of frames presented so far.
func (c *FrameController) Frames() uint64 {
	return c.frames
}

// RenderFrame renders and presents one frame.
//
// It acquires an image, waits for the previous submission of the image's slot,
// resets the slot, returns the slot's buffers to every bound pool and then calls
// record, which may allocate buffers for the frame. The recorded commands are
// submitted and the image presented.
//
// An acquire or fence wait exceeding its timeout aborts the frame with a
// *SyncTimeoutError before anything is recycled or submitted. The controller is
// back in the idle state after any error and may be used for the next frame.
func (c *FrameController) RenderFrame(ctx context.Context, record func(*Frame) error) error {
	defer c.setState(StateIdle)

	image, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	c.setState(StateImageAcquired)

	slot := image % len(c.slots)
	s := c.slots[slot]
	if err := c.waitFence(ctx, slot, s.Fence); err != nil {
		return err
	}
	if err := s.Commands.Reset(); err != nil {
		return fmt.Errorf("reset command buffer of slot %d: %w", slot, err)
	}

	// The fence of the slot signaled, so its buffers are no longer read by the
	// device. Recycle before record can borrow any new buffer.
	for _, p := range c.pools {
		p.FreeAll(slot)
	}

	c.setState(StateRecording)
	if err := s.Commands.Begin(); err != nil {
		return fmt.Errorf("begin command buffer of slot %d: %w", slot, err)
	}
	if record != nil {
		if err := record(&Frame{controller: c, slot: slot, image: image}); err != nil {
			return err
		}
	}
	if err := s.Commands.End(); err != nil {
		return fmt.Errorf("end command buffer of slot %d: %w", slot, err)
	}

	// The fence is reset only once the frame is certain to be submitted, so a
	// failed record leaves it signaled for the next use of the slot.
	if err := s.Fence.Reset(); err != nil {
		return fmt.Errorf("reset fence of slot %d: %w", slot, err)
	}
	if err := c.queue.Submit(s.Commands, s.Fence); err != nil {
		return fmt.Errorf("submit slot %d: %w", slot, err)
	}
	c.setState(StateSubmitted)

	if err := c.surface.Present(ctx, image); err != nil {
		return fmt.Errorf("present image %d: %w", image, err)
	}
	c.setState(StatePresented)
	c.frames++
	return nil
}

// WaitIdle waits for the latest submission of every slot, bounded by the fence
// timeout per slot. It is meant to be called before tearing down the pools.
func (c *FrameController) WaitIdle(ctx context.Context) error {
	var errs []error
	for i, s := range c.slots {
		errs = append(errs, c.waitFence(ctx, i, s.Fence))
	}
	return errors.Join(errs...)
}

func (c *FrameController) setState(s FrameState) {
	c.state.Store(int32(s))
}

func (c *FrameController) acquire(ctx context.Context) (int, error) {
	actx, cancel := context.WithTimeout(ctx, c.config.AcquireTimeout)
	defer cancel()

	image, err := c.surface.AcquireNextImage(actx)
	if err != nil {
		if isTimeout(ctx, err) {
			c.logger.Warn("image acquire timed out", "timeout", c.config.AcquireTimeout)
			return 0, &SyncTimeoutError{Stage: StageAcquire, Slot: -1, Timeout: c.config.AcquireTimeout}
		}
		return 0, fmt.Errorf("acquire image: %w", err)
	}
	if image < 0 {
		return 0, fmt.Errorf("acquire image: invalid image index %d", image)
	}
	return image, nil
}

func (c *FrameController) waitFence(ctx context.Context, slot int, fence Fence) error {
	wctx, cancel := context.WithTimeout(ctx, c.config.FenceTimeout)
	defer cancel()

	if err := fence.Wait(wctx); err != nil {
		if isTimeout(ctx, err) {
			c.logger.Warn("fence wait timed out", "slot", slot, "timeout", c.config.FenceTimeout)
			return &SyncTimeoutError{Stage: StageFence, Slot: slot, Timeout: c.config.FenceTimeout}
		}
		return fmt.Errorf("wait fence of slot %d: %w", slot, err)
	}
	return nil
}

// isTimeout reports whether err is caused by a bounded wait expiring rather than
// by parent being done.
func isTimeout(parent context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil
}

// Frame is the recording view of the frame being rendered.
type Frame struct {
	controller *FrameController
	slot       int
	image      int
}

// Slot returns the frame slot the frame is recorded in.
func (f *Frame) Slot() int { return f.slot }

// Image returns the index of the acquired presentable image.
func (f *Frame) Image() int { return f.image }

// Commands returns the command buffer of the frame slot, in the recording state.
func (f *Frame) Commands() CommandBuffer {
	return f.controller.slots[f.slot].Commands
}

// Allocate borrows a buffer of at least size bytes from pool for this frame. The
// pool must be bound to the controller, otherwise its buffers would never be
// recycled.
func (f *Frame) Allocate(pool *BufferPool, size uint64) (BufferHandle, error) {
	if !slices.Contains(f.controller.pools, pool) {
		return BufferHandle{}, ErrPoolNotBound
	}
	return pool.Allocate(f.slot, size)
}

// Upload borrows a buffer from pool and copies data into it. The pool factory
// must implement MemoryMapper.
func (f *Frame) Upload(pool *BufferPool, data []byte) (BufferHandle, error) {
	mapper, ok := pool.Factory().(MemoryMapper)
	if !ok {
		return BufferHandle{}, ErrNotMappable
	}
	h, err := f.Allocate(pool, uint64(len(data)))
	if err != nil {
		return BufferHandle{}, err
	}
	dst, err := mapper.MapMemory(h.Memory, h.Size)
	if err != nil {
		return BufferHandle{}, fmt.Errorf("map %s buffer %d: %w", pool.Usage(), h.ID, err)
	}
	copy(dst, data)
	mapper.UnmapMemory(h.Memory)
	return h, nil
}
