package softgpu

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/holmberd/go-framepool"
)

// Surface is a presentation surface with a fixed ring of images. Acquisition is
// paced by a refresh rate limiter, which plays the role of vsync.
type Surface struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	images    int
	next      int
	acquired  []bool
	presented uint64
}

var _ framepool.Surface = (*Surface)(nil)

// NewSurface creates a surface with images presentable images refreshing at
// refresh images per second. Use rate.Inf for an unpaced surface.
func NewSurface(images int, refresh rate.Limit) *Surface {
	if images <= 0 {
		images = 1
	}
	return &Surface{
		limiter:  rate.NewLimiter(refresh, 1),
		images:   images,
		acquired: make([]bool, images),
	}
}

// Images returns the number of presentable images.
func (s *Surface) Images() int {
	return s.images
}

func (s *Surface) AcquireNextImage(ctx context.Context) (int, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		// The limiter refuses waits that would outlast the deadline of ctx.
		if _, ok := ctx.Deadline(); ok {
			return -1, fmt.Errorf("softgpu: acquire: %w", context.DeadlineExceeded)
		}
		return -1, fmt.Errorf("softgpu: acquire: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// An image acquired by an aborted frame is handed out again in turn.
	image := s.next
	s.acquired[image] = true
	s.next = (s.next + 1) % s.images
	return image, nil
}

func (s *Surface) Present(ctx context.Context, image int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if image < 0 || image >= s.images {
		return fmt.Errorf("softgpu: present: invalid image %d", image)
	}
	if !s.acquired[image] {
		return fmt.Errorf("softgpu: present: image %d was not acquired", image)
	}
	s.acquired[image] = false
	s.presented++
	return nil
}

// Presented returns the number of presented images.
func (s *Surface) Presented() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}
