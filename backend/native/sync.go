//go:build !nogpu

package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"
)

// Semaphore is a binary semaphore handle. The HAL exposes one queue, which
// already executes submissions in order, so semaphores carry no GPU object.
type Semaphore struct{ label string }

// Label returns the semaphore label.
func (s *Semaphore) Label() string { return s.label }

// Fence is a CPU-waitable fence over its own HAL timeline fence. Each Reset
// moves the target one value past anything already submitted, so a signal
// from before the reset never satisfies a later wait.
type Fence struct {
	label    string
	timeline *Timeline
	fence    hal.Fence

	mu        sync.Mutex
	target    uint64
	submitted uint64
}

func newFence(label string, signaled bool, t *Timeline) (*Fence, error) {
	hf, err := t.device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create fence %q: %w", label, err)
	}
	f := &Fence{label: label, timeline: t, fence: hf}
	if !signaled {
		f.target = 1
	}
	return f, nil
}

// Label returns the fence label.
func (f *Fence) Label() string { return f.label }

func (f *Fence) state() (target, submitted uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.target, f.submitted
}

// Signaled polls the fence without blocking.
func (f *Fence) Signaled() bool {
	target, submitted := f.state()
	if target == 0 {
		return true
	}
	if target > submitted {
		return false
	}
	ok, err := f.timeline.device.Wait(f.fence, target, 0)
	if err != nil {
		f.timeline.Fail(lost("poll fence "+f.label, err))
		return false
	}
	return ok
}

// Wait blocks until the fence is signaled, the timeout elapses or the
// timeline fails. A negative timeout waits forever.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	if target, _ := f.state(); target == 0 {
		return true, nil
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		if err := f.timeline.Err(); err != nil {
			return f.Signaled(), err
		}
		step := f.timeline.poll
		if timeout >= 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return f.Signaled(), nil
			}
			step = min(step, remaining)
		}

		target, submitted := f.state()
		if target > submitted {
			// Nothing will signal the target until a submission names it.
			time.Sleep(step)
			continue
		}
		ok, err := f.timeline.device.Wait(f.fence, target, step)
		if err != nil {
			f.timeline.Fail(lost("wait fence "+f.label, err))
			continue
		}
		if ok {
			return true, nil
		}
	}
}

// Reset returns the fence to the unsignaled state.
func (f *Fence) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target > f.submitted {
		return nil
	}
	f.target = f.submitted + 1
	return nil
}

// submit hands cmds to queue signaling the fence's target.
func (f *Fence) submit(queue hal.Queue, cmds []hal.CommandBuffer) (signalPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.target <= f.submitted {
		return signalPoint{}, fmt.Errorf("%w: fence %q submitted while signaled", ErrInvalidUsage, f.label)
	}
	if err := queue.Submit(cmds, f.fence, f.target); err != nil {
		return signalPoint{}, lost("submit fence "+f.label, err)
	}
	f.submitted = f.target
	return signalPoint{fence: f.fence, value: f.target}, nil
}

func (f *Fence) destroy() {
	if f.fence != nil {
		f.timeline.device.DestroyFence(f.fence)
		f.fence = nil
	}
}
