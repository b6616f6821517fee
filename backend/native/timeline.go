// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusched"
)

// signalPoint is a fence value a submission signals.
type signalPoint struct {
	fence hal.Fence
	value uint64
}

// Timeline is a tick authority over one HAL timeline fence. Tick n is
// reached when the fence value is at least n. Tick 0 is always complete;
// the first reserved tick is 1.
//
// HAL waits cannot be interrupted, so blocking calls wait in slices of the
// poll interval and check for failure in between.
//
// Thread safety: Timeline is safe for concurrent use.
type Timeline struct {
	device hal.Device
	queue  hal.Queue
	fence  hal.Fence
	poll   time.Duration
	log    *slog.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	next      gpusched.Tick
	submitted gpusched.Tick
	completed gpusched.Tick
	last      signalPoint
	err       error
}

func newTimeline(device hal.Device, queue hal.Queue, poll time.Duration, log *slog.Logger) (*Timeline, error) {
	fence, err := device.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("native: create timeline fence: %w", err)
	}
	t := &Timeline{device: device, queue: queue, fence: fence, poll: poll, log: log, next: 1}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// ReserveNext returns the next tick and advances the reservation counter.
func (t *Timeline) ReserveNext() gpusched.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	tick := t.next
	t.next++
	return tick
}

// PeekNext returns the tick the next reservation will return.
func (t *Timeline) PeekNext() gpusched.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next
}

// Submit hands the submission's command buffers to the queue. A non-zero
// tick is signaled on the timeline fence; a GPU fence is signaled by a
// trailing submission, which the single queue orders after the first.
// Any failure fails the timeline.
func (t *Timeline) Submit(s gpusched.Submission) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return t.err
	}
	if err := t.submitLocked(s); err != nil {
		t.failLocked(err)
		return err
	}
	t.cond.Broadcast()
	return nil
}

func (t *Timeline) submitLocked(s gpusched.Submission) error {
	if s.Tick == 0 && s.Fence == nil {
		return fmt.Errorf("%w: submission signals neither a tick nor a fence", ErrInvalidUsage)
	}
	if s.Tick != 0 && (s.Tick <= t.submitted || s.Tick >= t.next) {
		return fmt.Errorf("%w: tick %d after %d (next %d)", ErrOutOfOrder, s.Tick, t.submitted, t.next)
	}
	for _, sem := range append(append([]gpusched.Semaphore(nil), s.Wait...), s.Signal...) {
		if _, ok := sem.(*Semaphore); !ok {
			return fmt.Errorf("%w: semaphore %T", ErrForeignObject, sem)
		}
	}

	var fence *Fence
	if s.Fence != nil {
		f, ok := s.Fence.(*Fence)
		if !ok {
			return fmt.Errorf("%w: fence %T", ErrForeignObject, s.Fence)
		}
		fence = f
	}

	var cmds []hal.CommandBuffer
	for _, cb := range []gpusched.CommandBuffer{s.Upload, s.Primary} {
		if cb == nil {
			continue
		}
		nb, ok := cb.(*CommandBuffer)
		if !ok {
			return fmt.Errorf("%w: command buffer %T", ErrForeignObject, cb)
		}
		hc, err := nb.markSubmitted()
		if err != nil {
			return err
		}
		cmds = append(cmds, hc)
	}

	if s.Tick != 0 {
		if err := t.queue.Submit(cmds, t.fence, uint64(s.Tick)); err != nil {
			return lost(fmt.Sprintf("submit tick %d", s.Tick), err)
		}
		t.submitted = s.Tick
		t.last = signalPoint{fence: t.fence, value: uint64(s.Tick)}
		cmds = nil
	}
	if fence != nil {
		p, err := fence.submit(t.queue, cmds)
		if err != nil {
			return err
		}
		t.last = p
	}
	return nil
}

// IsCompleted reports whether tick has been reached, polling the fence when
// the cached value is behind.
func (t *Timeline) IsCompleted(tick gpusched.Tick) bool {
	t.mu.Lock()
	if tick <= t.completed {
		t.mu.Unlock()
		return true
	}
	if tick > t.submitted || t.err != nil {
		t.mu.Unlock()
		return false
	}
	t.mu.Unlock()

	ok, err := t.device.Wait(t.fence, uint64(tick), 0)
	if err != nil {
		t.Fail(lost("poll timeline", err))
		return false
	}
	if ok {
		t.advance(tick)
	}
	return ok
}

// BlockUntil waits until tick has been reached or the timeline fails.
// Ticks not yet submitted are waited for.
func (t *Timeline) BlockUntil(tick gpusched.Tick) error {
	for {
		t.mu.Lock()
		for tick > t.submitted && tick > t.completed && t.err == nil {
			t.cond.Wait()
		}
		if tick <= t.completed {
			t.mu.Unlock()
			return nil
		}
		if t.err != nil {
			err := t.err
			t.mu.Unlock()
			return err
		}
		t.mu.Unlock()

		ok, err := t.device.Wait(t.fence, uint64(tick), t.poll)
		if err != nil {
			t.Fail(lost("wait timeline", err))
			continue
		}
		if ok {
			t.advance(tick)
		}
	}
}

// LatestCompleted returns the highest completed tick.
func (t *Timeline) LatestCompleted() gpusched.Tick {
	t.mu.Lock()
	submitted := t.submitted
	t.mu.Unlock()
	t.IsCompleted(submitted)

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// WaitIdle waits for the most recent submission, which on a single queue
// retires after every earlier one.
func (t *Timeline) WaitIdle() error {
	t.mu.Lock()
	p, submitted := t.last, t.submitted
	t.mu.Unlock()

	if p.fence == nil {
		return t.Err()
	}
	for {
		if err := t.Err(); err != nil {
			return err
		}
		ok, err := t.device.Wait(p.fence, p.value, t.poll)
		if err != nil {
			t.Fail(lost("wait idle", err))
			return t.Err()
		}
		if ok {
			t.advance(submitted)
			return nil
		}
	}
}

func (t *Timeline) advance(tick gpusched.Tick) {
	t.mu.Lock()
	if tick > t.completed {
		t.completed = tick
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// Fail marks the timeline failed with err and wakes every waiter.
func (t *Timeline) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(err)
}

func (t *Timeline) failLocked(err error) {
	if t.err != nil {
		return
	}
	t.err = err
	t.log.Error("native: timeline failed", "err", err, "submitted", t.submitted, "completed", t.completed)
	t.cond.Broadcast()
}

// Err returns the error the timeline failed with, if any.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Submitted returns the highest tick handed to the queue.
func (t *Timeline) Submitted() gpusched.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitted
}

func (t *Timeline) destroy() {
	if t.fence != nil {
		t.device.DestroyFence(t.fence)
		t.fence = nil
	}
}
