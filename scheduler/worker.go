package scheduler

import (
	"fmt"
	"time"

	"github.com/gogpu/gpusched/internal/chunk"
)

// work is the worker goroutine. It pops chunks in dispatch order, executes
// them against the worker-owned command buffers and returns them to the
// reserve. It exits when stop is observed while waiting or after a pop.
func (s *Scheduler) work() error {
	for {
		c, ok := s.pop()
		if !ok {
			return s.Err()
		}

		s.execute(c)
		s.execMu.Unlock()
		s.reserve.Put(c)

		s.queueMu.Lock()
		s.executed++
		s.queueMu.Unlock()
		s.progress.Broadcast()
	}
}

// pop waits for the next chunk. On success it returns with execMu held,
// taken before queueMu was released so WaitWorker cannot slip between the
// pop and the execution.
func (s *Scheduler) pop() (*chunk.Chunk, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()

	for len(s.queue) == 0 && !s.stop {
		s.workReady.Wait()
	}
	if s.stop {
		return nil, false
	}

	c := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.metrics.queueDepth.Set(float64(len(s.queue)))
	if len(s.queue) == 0 {
		s.progress.Broadcast()
	}

	s.execMu.Lock()
	return c, true
}

// execute replays c. After a fatal error chunks are discarded unexecuted.
func (s *Scheduler) execute(c *chunk.Chunk) {
	if s.Err() != nil {
		c.Reset()
		return
	}

	submit := c.HasSubmit()
	start := time.Now()
	c.ExecuteAll(s.cmd, s.upload)
	s.metrics.execute.Observe(time.Since(start).Seconds())

	if !submit {
		return
	}
	// The submitted buffers now belong to the queue.
	if err := s.allocateWorkerCommandBuffers(); err != nil {
		s.fail(err)
		return
	}
	if s.opts.tracker != nil {
		s.opts.tracker.InvalidateCommandBufferState()
	}
}

// allocateWorkerCommandBuffers replaces the worker's primary and upload
// buffers with fresh ones that have begun recording.
func (s *Scheduler) allocateWorkerCommandBuffers() error {
	cmd, err := s.cmdPool.Allocate()
	if err != nil {
		return fmt.Errorf("scheduler: allocate command buffer: %w", err)
	}
	if err := cmd.Begin(); err != nil {
		return fmt.Errorf("scheduler: begin command buffer: %w", err)
	}
	upload, err := s.cmdPool.Allocate()
	if err != nil {
		return fmt.Errorf("scheduler: allocate upload buffer: %w", err)
	}
	if err := upload.Begin(); err != nil {
		return fmt.Errorf("scheduler: begin upload buffer: %w", err)
	}
	s.cmd, s.upload = cmd, upload
	return nil
}
