package framepool

import (
	"context"
	"log/slog"
	"time"
)

// TrimWorker releases the free buffers of pools that went idle. A pool is idle
// when it served no allocation during a whole interval, e.g. while a window is
// minimized or a scene with larger uploads was left behind.
type TrimWorker struct {
	interval time.Duration
	logger   *slog.Logger
	pools    []*BufferPool
	served   []uint64 // Allocations served per pool at the previous tick.
}

func NewTrimWorker(interval time.Duration, logger *slog.Logger, pools ...*BufferPool) *TrimWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrimWorker{
		interval: interval,
		logger:   logger,
		pools:    pools,
		served:   make([]uint64, len(pools)),
	}
}

// Run trims idle pools every interval until ctx is done, and returns ctx.Err().
func (w *TrimWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *TrimWorker) tick() int {
	var released int
	for i, p := range w.pools {
		s := p.Stats()
		served := s.Created + s.Reused
		idle := served == w.served[i]
		w.served[i] = served
		if !idle || len(s.Free) == 0 {
			continue
		}
		n := p.Trim()
		if n > 0 {
			w.logger.Debug("trimmed idle pool", "pool", p.Usage().String(), "released", n)
		}
		released += n
	}
	return released
}
