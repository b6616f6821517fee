package fence

import (
	"log/slog"
	"sync"

	"github.com/gogpu/gpusched"
)

// Manager creates fences bound to one scheduler and keeps a queue of
// resources waiting for their fence before release.
type Manager struct {
	sched Scheduler
	opts  options
	log   *slog.Logger

	mu      sync.Mutex
	pending []*deferred
}

type deferred struct {
	fence   *Fence
	release func()
}

// NewManager creates a fence manager for s.
func NewManager(s Scheduler, opts ...Option) *Manager {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	m := &Manager{sched: s, opts: o, log: o.logger}
	if m.log == nil {
		m.log = gpusched.Logger()
	}
	return m
}

// CreateFence returns an unqueued fence. A stub fence is always signaled.
func (m *Manager) CreateFence(stub bool) *Fence {
	return &Fence{
		sched:       m.sched,
		stub:        stub,
		hangTimeout: m.opts.hangTimeout,
		log:         m.log,
	}
}

// QueueFence binds f to the next tick.
func (m *Manager) QueueFence(f *Fence) { f.Queue() }

// IsFenceSignaled reports whether f is signaled. A nil fence is signaled.
func (m *Manager) IsFenceSignaled(f *Fence) bool {
	return f == nil || f.IsSignaled()
}

// WaitFence waits for f. A nil fence returns immediately.
func (m *Manager) WaitFence(f *Fence) error {
	if f == nil {
		return nil
	}
	return f.Wait()
}

// Defer queues release to run once f is signaled. Releases run in the
// order they were deferred.
func (m *Manager) Defer(f *Fence, release func()) {
	m.mu.Lock()
	m.pending = append(m.pending, &deferred{fence: f, release: release})
	m.mu.Unlock()
}

// ReleaseSignaled runs the release of every leading entry whose fence is
// signaled and returns how many ran. It stops at the first unsignaled
// fence to keep release order.
func (m *Manager) ReleaseSignaled() int {
	m.mu.Lock()
	n := 0
	for n < len(m.pending) && m.IsFenceSignaled(m.pending[n].fence) {
		n++
	}
	ready := m.take(n)
	m.mu.Unlock()

	for _, d := range ready {
		d.release()
	}
	if n > 0 {
		m.log.Debug("fence: released deferred resources", "count", n)
	}
	return n
}

// WaitPending waits for every queued fence in order and runs its release.
// On a wait error the remaining entries stay queued.
func (m *Manager) WaitPending() error {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return nil
		}
		head := m.pending[0]
		m.mu.Unlock()

		if err := m.WaitFence(head.fence); err != nil {
			return err
		}
		m.ReleaseSignaled()

		// Unqueued fences never signal; waiting on them returns at once
		// and their release still runs. A concurrent ReleaseSignaled may
		// have taken head already, so only head itself is removed here.
		m.mu.Lock()
		var ready []*deferred
		if len(m.pending) > 0 && m.pending[0] == head &&
			(neverQueued(head.fence) || m.IsFenceSignaled(head.fence)) {
			ready = m.take(1)
		}
		m.mu.Unlock()
		for _, d := range ready {
			d.release()
		}
	}
}

// PendingCount returns the number of releases not yet run.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func neverQueued(f *Fence) bool {
	if f == nil || f.stub {
		return false
	}
	_, ok := f.bound()
	return !ok
}

// take removes and returns the first n entries. m.mu must be held.
func (m *Manager) take(n int) []*deferred {
	if n == 0 {
		return nil
	}
	out := make([]*deferred, n)
	copy(out, m.pending[:n])
	clear(m.pending[:n])
	m.pending = m.pending[n:]
	return out
}
