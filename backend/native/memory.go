//go:build !nogpu

package native

import (
	"fmt"
	"sync"
)

// DefaultMemoryBudgetMB is the default budget for images and buffers the
// device allocates.
const DefaultMemoryBudgetMB = 256

// MemoryStats contains allocation statistics.
type MemoryStats struct {
	// TotalBytes is the memory budget in bytes.
	TotalBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// Images and Buffers count live allocations.
	Images  int
	Buffers int

	// Utilization is the share of the budget in use (0.0 to 1.0).
	Utilization float64
}

// String returns a human-readable summary.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d images, %d buffers]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.TotalBytes/(1024*1024),
		s.Images,
		s.Buffers)
}

// budget tracks allocated bytes against a limit. Unlike a cache it never
// evicts: the scheduler owns resource lifetimes, so an allocation over the
// limit fails.
type budget struct {
	mu      sync.Mutex
	total   uint64
	used    uint64
	images  int
	buffers int
}

func (b *budget) reserve(size uint64, image bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+size > b.total {
		return fmt.Errorf("%w: need %d bytes, %d of %d in use", ErrMemoryBudgetExceeded, size, b.used, b.total)
	}
	b.used += size
	if image {
		b.images++
	} else {
		b.buffers++
	}
	return nil
}

func (b *budget) release(size uint64, image bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.used -= min(size, b.used)
	if image {
		b.images--
	} else {
		b.buffers--
	}
}

func (b *budget) stats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := MemoryStats{TotalBytes: b.total, UsedBytes: b.used, Images: b.images, Buffers: b.buffers}
	if b.total > 0 {
		s.Utilization = float64(b.used) / float64(b.total)
	}
	return s
}
