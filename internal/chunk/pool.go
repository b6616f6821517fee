package chunk

import "sync"

// Pool is the reserve of empty chunks. Unlike sync.Pool it never drops
// chunks, so the number of chunks ever allocated stays bounded by the
// deepest handoff queue the scheduler reached.
//
// Thread safety: Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	free      []*Chunk
	capacity  int
	allocated int
}

// NewPool creates a pool of chunks with the given operation capacity.
func NewPool(capacity int) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pool{capacity: capacity}
}

// Get takes a chunk from the reserve or allocates one.
// The chunk is empty and not marked for submission.
func (p *Pool) Get() *Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		return c
	}
	p.allocated++
	return New(p.capacity)
}

// Put resets c and returns it to the reserve. A nil chunk is ignored.
func (p *Pool) Put(c *Chunk) {
	if c == nil {
		return
	}
	c.Reset()

	p.mu.Lock()
	p.free = append(p.free, c)
	p.mu.Unlock()
}

// Allocated returns how many chunks the pool has created.
func (p *Pool) Allocated() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Reserved returns how many empty chunks are waiting in the reserve.
func (p *Pool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
