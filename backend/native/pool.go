//go:build !nogpu

package native

import (
	"sync"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusched"
)

type retired struct {
	tick gpusched.Tick
	bufs []*CommandBuffer
}

// CommandPool recycles command buffers once their submission retires,
// freeing the HAL command buffer they carried.
//
// Thread safety: CommandPool is safe for concurrent use.
type CommandPool struct {
	device   hal.Device
	timeline *Timeline

	mu        sync.Mutex
	free      []*CommandBuffer
	waiting   []retired
	allocated int
}

func newCommandPool(device hal.Device, timeline *Timeline) *CommandPool {
	return &CommandPool{device: device, timeline: timeline}
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
	return &CommandBuffer{id: p.allocated, device: p.device}, nil
}

// Release queues buffers for reuse after tick completes. Buffers from other
// backends are ignored.
func (p *CommandPool) Release(tick gpusched.Tick, bufs ...gpusched.CommandBuffer) {
	batch := retired{tick: tick}
	for _, b := range bufs {
		if cb, ok := b.(*CommandBuffer); ok {
			batch.bufs = append(batch.bufs, cb)
		}
	}
	if len(batch.bufs) == 0 {
		return
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

// destroy frees every HAL buffer still held. The device must be idle.
func (p *CommandPool) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.waiting {
		for _, cb := range r.bufs {
			cb.reset()
		}
	}
	p.waiting = nil
	p.free = nil
}
