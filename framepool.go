// Package framepool implements a size-classed pool of GPU-visible scratch buffers
// and the per-frame recycling protocol that drives it.
//
// A BufferPool hands out buffers to a frame slot and takes every buffer of a slot
// back in one FreeAll call. A FrameController runs the acquire, wait, recycle,
// record, submit and present sequence that makes calling FreeAll safe: buffers bound
// to slot k are only recycled once the fence of the previous slot k submission has
// signaled.
package framepool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrResourceCreation = errors.New("buffer resource creation failed")
	ErrSyncTimeout      = errors.New("synchronization timed out")
	ErrAcquireTimeout   = errors.New("image acquire timed out")
	ErrFenceTimeout     = errors.New("fence wait timed out")
	ErrPoolClosed       = errors.New("buffer pool is torn down")
	ErrInvalidSlot      = errors.New("invalid frame slot")
	ErrRequestTooLarge  = fmt.Errorf("buffer request is too large (max %d bytes)", uint64(MaxSize))
	ErrInvalidSizeClass = errors.New("not a size class")
	ErrNoMemoryType     = errors.New("no matching memory type")
	ErrNotMappable      = errors.New("buffer memory cannot be mapped")
	ErrPoolNotBound     = errors.New("buffer pool is not bound to the frame controller")
)

// ResourceCreationError is returned by Allocate when the cold path could not create
// a buffer or its backing memory.
type ResourceCreationError struct {
	Usage BufferUsage
	Size  uint64 // Size class that was requested from the factory.
	Err   error
}

func (e *ResourceCreationError) Error() string {
	return fmt.Sprintf("create %s buffer of %d bytes: %v", e.Usage, e.Size, e.Err)
}

func (e *ResourceCreationError) Unwrap() error { return e.Err }

func (e *ResourceCreationError) Is(target error) bool {
	return target == ErrResourceCreation
}

// SyncStage identifies which suspension point of a frame exceeded its bound.
type SyncStage int

const (
	StageAcquire SyncStage = iota // Waiting for the next presentable image.
	StageFence                    // Waiting for the previous submission of a slot.
)

func (s SyncStage) String() string {
	switch s {
	case StageAcquire:
		return "acquire"
	case StageFence:
		return "fence"
	default:
		return fmt.Sprintf("SyncStage(%d)", s)
	}
}

// SyncTimeoutError reports that an image acquire or a fence wait did not complete
// within its configured timeout. It matches ErrSyncTimeout and the stage sentinel
// (ErrAcquireTimeout or ErrFenceTimeout) with errors.Is.
type SyncTimeoutError struct {
	Stage   SyncStage
	Slot    int // Frame slot waited on; -1 for the acquire stage.
	Timeout time.Duration
}

func (e *SyncTimeoutError) Error() string {
	if e.Stage == StageFence {
		return fmt.Sprintf("%s wait on slot %d exceeded %s", e.Stage, e.Slot, e.Timeout)
	}
	return fmt.Sprintf("%s wait exceeded %s", e.Stage, e.Timeout)
}

func (e *SyncTimeoutError) Is(target error) bool {
	switch target {
	case ErrSyncTimeout:
		return true
	case ErrAcquireTimeout:
		return e.Stage == StageAcquire
	case ErrFenceTimeout:
		return e.Stage == StageFence
	}
	return false
}
