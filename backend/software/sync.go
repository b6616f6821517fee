package software

import (
	"fmt"
	"sync"
	"time"
)

// Semaphore is a validated binary semaphore.
type Semaphore struct {
	label string

	mu       sync.Mutex
	signaled bool
}

// NewSemaphore creates an unsignaled semaphore.
func NewSemaphore(label string) *Semaphore { return &Semaphore{label: label} }

// Label returns the semaphore label.
func (s *Semaphore) Label() string { return s.label }

// Signaled reports whether a signal is pending.
func (s *Semaphore) Signaled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.signaled
}

func (s *Semaphore) signal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signaled {
		return fmt.Errorf("%w: %q signaled twice without a wait", ErrSemaphore, s.label)
	}
	s.signaled = true
	return nil
}

func (s *Semaphore) consume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.signaled {
		return fmt.Errorf("%w: wait on %q which nothing signaled", ErrSemaphore, s.label)
	}
	s.signaled = false
	return nil
}

// Fence is a CPU-waitable fence.
type Fence struct {
	label  string
	failed <-chan struct{}
	lost   func() error

	mu       sync.Mutex
	signaled bool
	ch       chan struct{} // closed while signaled
}

func newFence(label string, signaled bool, t *Timeline) *Fence {
	f := &Fence{label: label, failed: t.failed, lost: t.Err, ch: make(chan struct{})}
	if signaled {
		f.signaled = true
		close(f.ch)
	}
	return f
}

// Label returns the fence label.
func (f *Fence) Label() string { return f.label }

// Signaled reports the current state without blocking.
func (f *Fence) Signaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaled
}

// Wait blocks until the fence is signaled, the timeout elapses or the
// timeline fails. A negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	f.mu.Lock()
	ch := f.ch
	f.mu.Unlock()

	select {
	case <-ch:
		return true, nil
	default:
	}
	if timeout < 0 {
		select {
		case <-ch:
			return true, nil
		case <-f.failed:
			return f.Signaled(), f.lost()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-f.failed:
		return f.Signaled(), f.lost()
	case <-timer.C:
		return false, nil
	}
}

// Reset returns the fence to the unsignaled state.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signaled {
		f.signaled = false
		f.ch = make(chan struct{})
	}
	return nil
}

func (f *Fence) signal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.signaled {
		f.signaled = true
		close(f.ch)
	}
}
