// Package fence provides CPU-observable completion handles over scheduler
// ticks.
//
// A Fence binds to a tick when queued. Queueing flushes the scheduler, so
// the fence covers everything recorded before it. Stub fences represent no
// GPU work and are always signaled.
//
//	f := mgr.CreateFence(false)
//	mgr.QueueFence(f)
//	...
//	if err := mgr.WaitFence(f); err != nil { ... }
package fence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/gpusched"
)

// Scheduler is the part of the scheduler fences depend on.
// *scheduler.Scheduler implements it.
type Scheduler interface {
	Flush(signal, wait gpusched.Semaphore) gpusched.Tick
	IsTickCompleted(tick gpusched.Tick) bool
	WaitUntilTick(tick gpusched.Tick) error
}

// Fence is a handle on the completion of one scheduler tick.
//
// Queue must be called from the scheduler's recording goroutine. The
// other methods are safe for concurrent use.
type Fence struct {
	sched       Scheduler
	stub        bool
	hangTimeout time.Duration
	log         *slog.Logger

	mu     sync.Mutex
	queued bool
	tick   gpusched.Tick
	waiter *tickWaiter
}

// tickWaiter is a background WaitUntilTick shared by timed waits on one
// tick.
type tickWaiter struct {
	tick gpusched.Tick
	done chan struct{}
	err  error
}

// Queue binds the fence to the next tick, flushing the scheduler. A stub
// fence binds to tick 0, which is always complete. Queueing again rebinds
// to a later tick.
func (f *Fence) Queue() {
	var tick gpusched.Tick
	if !f.stub {
		tick = f.sched.Flush(nil, nil)
	}
	f.mu.Lock()
	f.queued = true
	f.tick = tick
	f.mu.Unlock()
}

// IsSignaled reports whether the bound tick completed. Stub fences are
// always signaled; fences never queued are not.
func (f *Fence) IsSignaled() bool {
	if f.stub {
		return true
	}
	tick, ok := f.bound()
	if !ok {
		return false
	}
	return f.sched.IsTickCompleted(tick)
}

// Wait blocks until the bound tick completes. It returns immediately for
// stub fences and for fences that were never queued.
func (f *Fence) Wait() error {
	if f.stub {
		return nil
	}
	tick, ok := f.bound()
	if !ok {
		f.log.Warn("fence: wait on a fence that was never queued")
		return nil
	}
	if f.sched.IsTickCompleted(tick) {
		return nil
	}
	if f.hangTimeout <= 0 {
		return f.sched.WaitUntilTick(tick)
	}

	w := f.waiterFor(tick)
	timer := time.NewTimer(f.hangTimeout)
	defer timer.Stop()
	select {
	case <-w.done:
		return w.err
	case <-timer.C:
		f.log.Error("fence: GPU hang suspected", "tick", tick, "timeout", f.hangTimeout)
		return fmt.Errorf("%w: tick %d after %s", ErrFenceTimeout, tick, f.hangTimeout)
	}
}

// Tick returns the bound tick and whether the fence was queued.
func (f *Fence) Tick() (gpusched.Tick, bool) { return f.bound() }

// IsStubbed reports whether the fence is a stub.
func (f *Fence) IsStubbed() bool { return f.stub }

// waiterFor returns the waiter for tick, starting it if needed.
func (f *Fence) waiterFor(tick gpusched.Tick) *tickWaiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.waiter != nil && f.waiter.tick == tick {
		return f.waiter
	}
	w := &tickWaiter{tick: tick, done: make(chan struct{})}
	go func() {
		w.err = f.sched.WaitUntilTick(tick)
		close(w.done)
	}()
	f.waiter = w
	return w
}

func (f *Fence) bound() (gpusched.Tick, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tick, f.queued
}
