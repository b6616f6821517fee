package software

import (
	"sync"

	"github.com/gogpu/gpusched"
)

// retired is a batch of submitted buffers waiting for their tick.
type retired struct {
	tick gpusched.Tick
	bufs []*CommandBuffer
}

// CommandPool recycles command buffers once their submission retires.
//
// Thread safety: CommandPool is safe for concurrent use.
type CommandPool struct {
	timeline *Timeline

	mu        sync.Mutex
	free      []*CommandBuffer
	waiting   []retired
	allocated int
}

// NewCommandPool creates a pool recycling against timeline.
func NewCommandPool(timeline *Timeline) *CommandPool {
	return &CommandPool{timeline: timeline}
}

// Allocate returns a reset buffer, reusing a retired one when possible.
func (p *CommandPool) Allocate() (gpusched.CommandBuffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sweepLocked()
	if n := len(p.free); n > 0 {
		cb := p.free[n-1]
		p.free = p.free[:n-1]
		return cb, nil
	}
	p.allocated++
	return &CommandBuffer{id: p.allocated}, nil
}

// Release queues submitted buffers for reuse after tick completes.
// Buffers from other backends are ignored.
func (p *CommandPool) Release(tick gpusched.Tick, bufs ...gpusched.CommandBuffer) {
	batch := retired{tick: tick}
	for _, b := range bufs {
		if cb, ok := b.(*CommandBuffer); ok {
			batch.bufs = append(batch.bufs, cb)
		}
	}

	p.mu.Lock()
	p.waiting = append(p.waiting, batch)
	p.mu.Unlock()
}

// Allocated returns how many buffers the pool has created.
func (p *CommandPool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// sweepLocked moves buffers whose tick completed to the free list. Batches
// are released in tick order, so the sweep stops at the first live one.
func (p *CommandPool) sweepLocked() {
	n := 0
	for _, r := range p.waiting {
		if !p.timeline.IsCompleted(r.tick) {
			break
		}
		for _, cb := range r.bufs {
			cb.reset()
			p.free = append(p.free, cb)
		}
		n++
	}
	clear(p.waiting[:n])
	p.waiting = p.waiting[n:]
}
