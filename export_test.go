package framepool

import "fmt"

// CheckOwnership walks every list of p and verifies that no handle is a member of
// more than one list and that every handle sits in the free list of its own size
// class. It returns the handles found, by ID.
func CheckOwnership(p *BufferPool) (map[uint64]BufferHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := make(map[uint64]BufferHandle)
	add := func(h BufferHandle, where string) error {
		if _, ok := seen[h.ID]; ok {
			return fmt.Errorf("handle %d is in more than one list (found again in %s)", h.ID, where)
		}
		if !IsSizeClass(h.Size) {
			return fmt.Errorf("handle %d has size %d which is not a size class", h.ID, h.Size)
		}
		seen[h.ID] = h
		return nil
	}
	for class, q := range p.free {
		for i := 0; i < q.Length(); i++ {
			h := q.Get(i).(BufferHandle)
			if h.Size != class {
				return nil, fmt.Errorf("handle %d of size %d is in free list %d", h.ID, h.Size, class)
			}
			if err := add(h, fmt.Sprintf("free list %d", class)); err != nil {
				return nil, err
			}
		}
	}
	for slot, handles := range p.used {
		for _, h := range handles {
			if err := add(h, fmt.Sprintf("slot %d", slot)); err != nil {
				return nil, err
			}
		}
	}
	return seen, nil
}

// Tick runs a single trim pass of w and returns the number of released buffers.
func (w *TrimWorker) Tick() int {
	return w.tick()
}
