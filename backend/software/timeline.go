package software

import (
	"fmt"
	"sync"

	"github.com/gogpu/gpusched"
)

// Record is a snapshot of one accepted submission.
type Record struct {
	Tick    gpusched.Tick
	Upload  []Command
	Primary []Command
	Wait    []string
	Signal  []string
	Fence   string
}

// pending is a submission that has not retired yet.
type pending struct {
	tick  gpusched.Tick
	fence *Fence
}

// Timeline is a CPU tick authority. Tick 0 is always complete; the first
// reserved tick is 1.
//
// Thread safety: Timeline is safe for concurrent use.
type Timeline struct {
	mu     sync.Mutex
	cond   *sync.Cond
	manual bool

	next      gpusched.Tick
	submitted gpusched.Tick
	completed gpusched.Tick
	inflight  []pending
	history   []Record

	injected error
	err      error
	failed   chan struct{}
}

// NewTimeline creates a timeline. With manual set, submissions stay in
// flight until Retire or RetireAll is called.
func NewTimeline(manual bool) *Timeline {
	t := &Timeline{manual: manual, next: 1, failed: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	return t
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

// Submit validates and accepts a submission. Command buffers must have
// ended, wait semaphores must be signaled and ticks must arrive in order.
// Any failure fails the timeline.
func (t *Timeline) Submit(s gpusched.Submission) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.err != nil {
		return t.err
	}
	rec, fence, err := t.accept(s)
	if err != nil {
		t.failLocked(err)
		return err
	}

	t.history = append(t.history, rec)
	if s.Tick != 0 {
		t.submitted = s.Tick
	}
	p := pending{tick: s.Tick, fence: fence}
	if t.manual {
		t.inflight = append(t.inflight, p)
		return nil
	}
	t.retireLocked(p)
	t.cond.Broadcast()
	return nil
}

func (t *Timeline) accept(s gpusched.Submission) (Record, *Fence, error) {
	if err := t.injected; err != nil {
		t.injected = nil
		return Record{}, nil, err
	}

	rec := Record{Tick: s.Tick}
	if s.Tick == 0 && s.Fence == nil {
		return rec, nil, fmt.Errorf("%w: submission signals neither a tick nor a fence", ErrInvalidUsage)
	}
	if s.Tick != 0 && (s.Tick <= t.submitted || s.Tick >= t.next) {
		return rec, nil, fmt.Errorf("%w: tick %d after %d (next %d)", ErrOutOfOrder, s.Tick, t.submitted, t.next)
	}

	for _, cb := range []gpusched.CommandBuffer{s.Upload, s.Primary} {
		if cb == nil {
			continue
		}
		sw, ok := cb.(*CommandBuffer)
		if !ok {
			return rec, nil, fmt.Errorf("%w: command buffer %T", ErrForeignObject, cb)
		}
		cmds, err := sw.markSubmitted()
		if err != nil {
			return rec, nil, err
		}
		if cb == s.Upload {
			rec.Upload = cmds
		} else {
			rec.Primary = cmds
		}
	}

	for _, w := range s.Wait {
		sem, ok := w.(*Semaphore)
		if !ok {
			return rec, nil, fmt.Errorf("%w: semaphore %T", ErrForeignObject, w)
		}
		if err := sem.consume(); err != nil {
			return rec, nil, err
		}
		rec.Wait = append(rec.Wait, sem.label)
	}
	for _, sg := range s.Signal {
		sem, ok := sg.(*Semaphore)
		if !ok {
			return rec, nil, fmt.Errorf("%w: semaphore %T", ErrForeignObject, sg)
		}
		if err := sem.signal(); err != nil {
			return rec, nil, err
		}
		rec.Signal = append(rec.Signal, sem.label)
	}

	var fence *Fence
	if s.Fence != nil {
		f, ok := s.Fence.(*Fence)
		if !ok {
			return rec, nil, fmt.Errorf("%w: fence %T", ErrForeignObject, s.Fence)
		}
		if f.Signaled() {
			return rec, nil, fmt.Errorf("%w: fence %q submitted while signaled", ErrInvalidUsage, f.label)
		}
		fence = f
		rec.Fence = f.label
	}
	return rec, fence, nil
}

func (t *Timeline) retireLocked(p pending) {
	if p.tick != 0 {
		t.completed = p.tick
	}
	if p.fence != nil {
		p.fence.signal()
	}
}

// Retire retires up to n in-flight submissions in order and returns how
// many were retired.
func (t *Timeline) Retire(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n = min(n, len(t.inflight))
	for _, p := range t.inflight[:n] {
		t.retireLocked(p)
	}
	t.inflight = t.inflight[n:]
	t.cond.Broadcast()
	return n
}

// RetireAll retires every in-flight submission.
func (t *Timeline) RetireAll() int {
	return t.Retire(int(^uint(0) >> 1))
}

// InFlight returns the number of submissions that have not retired.
func (t *Timeline) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// IsCompleted reports whether tick has been reached.
func (t *Timeline) IsCompleted(tick gpusched.Tick) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tick <= t.completed
}

// BlockUntil waits until tick has been reached or the timeline fails.
func (t *Timeline) BlockUntil(tick gpusched.Tick) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for tick > t.completed && t.err == nil {
		t.cond.Wait()
	}
	if tick <= t.completed {
		return nil
	}
	return t.err
}

// LatestCompleted returns the highest completed tick.
func (t *Timeline) LatestCompleted() gpusched.Tick {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// WaitIdle waits until nothing is in flight.
func (t *Timeline) WaitIdle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.inflight) > 0 && t.err == nil {
		t.cond.Wait()
	}
	return t.err
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
	close(t.failed)
	t.cond.Broadcast()
}

// LoseDevice simulates device loss.
func (t *Timeline) LoseDevice() { t.Fail(gpusched.ErrDeviceLost) }

// InjectSubmitError makes the next Submit fail with err.
func (t *Timeline) InjectSubmitError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.injected = err
}

// Err returns the error the timeline failed with, if any.
func (t *Timeline) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Submissions returns a snapshot of every accepted submission.
func (t *Timeline) Submissions() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.history))
	copy(out, t.history)
	return out
}
