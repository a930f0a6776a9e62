package testutils

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/holmberd/go-framepool"
)

// RingSurface hands out images round robin without ever blocking.
type RingSurface struct {
	Images int

	mu        sync.Mutex
	next      int
	presented []int
	// PresentErr is returned by Present when set.
	PresentErr error
}

func (s *RingSurface) AcquireNextImage(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	image := s.next
	s.next = (s.next + 1) % max(s.Images, 1)
	return image, nil
}

func (s *RingSurface) Present(ctx context.Context, image int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PresentErr != nil {
		return s.PresentErr
	}
	s.presented = append(s.presented, image)
	return nil
}

// Presented returns the presented image indices in order.
func (s *RingSurface) Presented() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.presented...)
}

// StalledSurface never produces an image; AcquireNextImage returns only once ctx
// is done.
type StalledSurface struct {
	Calls atomic.Int64
}

func (s *StalledSurface) AcquireNextImage(ctx context.Context) (int, error) {
	s.Calls.Add(1)
	<-ctx.Done()
	return -1, ctx.Err()
}

func (s *StalledSurface) Present(ctx context.Context, image int) error {
	return nil
}

// MockFence is signaled explicitly by the test or by a MockQueue.
type MockFence struct {
	mu     sync.Mutex
	done   chan struct{}
	resets int
}

// NewMockFence returns a fence in the given state.
func NewMockFence(signaled bool) *MockFence {
	f := &MockFence{done: make(chan struct{})}
	if signaled {
		close(f.done)
	}
	return f
}

func (f *MockFence) Wait(ctx context.Context) error {
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

func (f *MockFence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	select {
	case <-f.done:
		f.done = make(chan struct{})
	default:
	}
	return nil
}

// Signal signals the fence. Signaling a signaled fence is a no-op.
func (f *MockFence) Signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
}

func (f *MockFence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *MockFence) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

// MockCommandBuffer counts its lifecycle calls.
type MockCommandBuffer struct {
	Resets, Begins, Ends int
}

func (c *MockCommandBuffer) Reset() error { c.Resets++; return nil }
func (c *MockCommandBuffer) Begin() error { c.Begins++; return nil }
func (c *MockCommandBuffer) End() error   { c.Ends++; return nil }

// MockQueue records submissions. Fences of submissions are signaled right away
// unless Hold is set, in which case they stay unsignaled until Complete.
type MockQueue struct {
	Hold bool

	mu        sync.Mutex
	submitted int
	held      []*MockFence
}

func (q *MockQueue) Submit(cmd framepool.CommandBuffer, fence framepool.Fence) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.submitted++
	f := fence.(*MockFence)
	if q.Hold {
		q.held = append(q.held, f)
		return nil
	}
	f.Signal()
	return nil
}

// Complete signals the fences of every held submission.
func (q *MockQueue) Complete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.held {
		f.Signal()
	}
	q.held = nil
}

func (q *MockQueue) Submitted() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitted
}

// NewMockSlots returns n frame slots with signaled mock fences.
func NewMockSlots(n int) []framepool.FrameSlot {
	slots := make([]framepool.FrameSlot, n)
	for i := range slots {
		slots[i] = framepool.FrameSlot{
			Commands: &MockCommandBuffer{},
			Fence:    NewMockFence(true),
		}
	}
	return slots
}
