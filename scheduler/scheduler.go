// Package scheduler records deferred GPU operations and submits them from a
// dedicated worker goroutine.
//
// The recording goroutine appends closures to the current chunk. Full
// chunks, render pass switches and flushes dispatch the chunk to the worker,
// which replays it against live command buffers and submits to the queue
// through a [gpusched.TickAuthority]. Recording never waits for the GPU.
//
// Recording methods (Record, RecordWithUploadBuffer, DispatchWork, Flush,
// Finish, Wait, WaitWorker, SyncWorker, RequestRenderpass,
// RequestOutsideRenderPassOperationContext, UpdateGraphicsPipeline and
// UpdateRescaling) must be called from a single goroutine. Tick queries,
// SubmitLocker, Err and Close are safe from any goroutine.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/internal/chunk"
)

// uploadBarrier makes transfer writes recorded in the upload buffer visible
// to every read stage of the primary buffer.
var uploadBarrier = gpusched.Barrier{
	SrcStage: gpusched.StageTransfer,
	DstStage: gpusched.StageAllCommands,
	Memory: []gpusched.MemoryBarrier{{
		SrcAccess: gpusched.AccessTransferWrite,
		DstAccess: gpusched.AccessIndexRead | gpusched.AccessVertexAttributeRead |
			gpusched.AccessUniformRead | gpusched.AccessShaderRead |
			gpusched.AccessIndirectCommandRead,
	}},
}

// Scheduler batches recorded operations into chunks and executes them on a
// worker goroutine.
type Scheduler struct {
	authority gpusched.TickAuthority
	cmdPool   gpusched.CommandPool
	opts      options
	log       *slog.Logger
	metrics   *metrics

	// Recording goroutine only.
	chunk    *chunk.Chunk
	state    State
	rpImages []gpusched.Image
	rpRanges []gpusched.ImageSubresourceRange

	reserve *chunk.Pool

	// queueMu guards the handoff queue and the worker counters.
	queueMu    sync.Mutex
	workReady  *sync.Cond // signaled when a chunk is queued or stop is set
	progress   *sync.Cond // broadcast when the queue drains or a chunk finishes
	queue      []*chunk.Chunk
	stop       bool
	dispatched uint64
	executed   uint64

	// execMu is held by the worker while it executes a chunk.
	execMu sync.Mutex
	// submitMu serializes queue submission with other queue users.
	submitMu sync.Mutex

	// Worker goroutine only.
	cmd    gpusched.CommandBuffer
	upload gpusched.CommandBuffer

	fatalMu sync.Mutex
	fatal   error
	failed  chan struct{} // closed on the first fatal error

	group  errgroup.Group
	closed atomic.Bool
}

// New creates a scheduler submitting through authority with command buffers
// from pool, and starts its worker goroutine.
func New(authority gpusched.TickAuthority, pool gpusched.CommandPool, opts ...Option) (*Scheduler, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &Scheduler{
		authority: authority,
		cmdPool:   pool,
		opts:      o,
		log:       o.logger,
		reserve:   chunk.NewPool(o.chunkCapacity),
		failed:    make(chan struct{}),
	}
	if s.log == nil {
		s.log = gpusched.Logger()
	}
	s.workReady = sync.NewCond(&s.queueMu)
	s.progress = sync.NewCond(&s.queueMu)

	m, err := newMetrics(o.registerer, s.reserve)
	if err != nil {
		return nil, fmt.Errorf("scheduler: register metrics: %w", err)
	}
	s.metrics = m

	s.chunk = s.reserve.Get()
	if err := s.allocateWorkerCommandBuffers(); err != nil {
		return nil, err
	}

	s.group.Go(s.work)
	s.log.Info("scheduler: worker started", "chunk_capacity", o.chunkCapacity)
	return s, nil
}

// Record appends fn to the current chunk. fn runs later on the worker with
// the primary command buffer. A full chunk is dispatched first.
func (s *Scheduler) Record(fn func(cmd gpusched.CommandBuffer)) {
	if s.chunk.Append(fn) == nil {
		return
	}
	s.DispatchWork()
	if err := s.chunk.Append(fn); err != nil {
		panic("scheduler: fresh chunk rejected an operation: " + err.Error())
	}
}

// RecordWithUploadBuffer appends fn to the current chunk. fn runs later on
// the worker with the primary and the upload command buffer.
func (s *Scheduler) RecordWithUploadBuffer(fn func(cmd, upload gpusched.CommandBuffer)) {
	if s.chunk.AppendWithUpload(fn) == nil {
		return
	}
	s.DispatchWork()
	if err := s.chunk.AppendWithUpload(fn); err != nil {
		panic("scheduler: fresh chunk rejected an operation: " + err.Error())
	}
}

// DispatchWork hands the current chunk to the worker and starts a new one.
// It does nothing when the current chunk is empty.
func (s *Scheduler) DispatchWork() {
	if s.chunk.Empty() {
		return
	}
	if s.closed.Load() {
		// No worker is left to execute it.
		s.log.Warn("scheduler: work dispatched after close dropped")
		s.chunk.Reset()
		return
	}
	c := s.chunk

	s.queueMu.Lock()
	s.queue = append(s.queue, c)
	s.dispatched++
	depth := len(s.queue)
	s.queueMu.Unlock()
	s.workReady.Signal()

	s.metrics.dispatched.Inc()
	s.metrics.queueDepth.Set(float64(depth))
	s.chunk = s.reserve.Get()
}

// Flush ends any open render pass, records a queue submission signaling the
// next tick and dispatches it. It returns the tick without waiting for it.
// signal, when non-nil, is signaled by the submission; wait, when non-nil,
// is waited on before it executes.
//
// After Close nothing is submitted and Flush returns the last reserved tick.
func (s *Scheduler) Flush(signal, wait gpusched.Semaphore) gpusched.Tick {
	if s.closed.Load() {
		return s.authority.PeekNext() - 1
	}
	tick := s.submitExecution(signal, wait)
	s.allocateNewContext()
	return tick
}

// Finish flushes and blocks until the GPU has completed the submission.
func (s *Scheduler) Finish(signal, wait gpusched.Semaphore) error {
	if s.closed.Load() {
		return gpusched.ErrClosed
	}
	tick := s.Flush(signal, wait)
	if err := s.WaitUntilTick(tick); err != nil {
		return fmt.Errorf("scheduler: finish tick %d: %w", tick, err)
	}
	return nil
}

// WaitWorker dispatches pending work and blocks until the worker has
// executed everything and the GPU has completed the latest reserved tick.
// It is a full pipeline stall; use it for shutdown and resynchronization.
func (s *Scheduler) WaitWorker() error {
	s.DispatchWork()

	s.queueMu.Lock()
	for len(s.queue) > 0 && !s.stop {
		s.progress.Wait()
	}
	s.queueMu.Unlock()

	// The worker takes execMu before it releases queueMu, so an empty queue
	// plus execMu means nothing is executing.
	s.execMu.Lock()
	s.execMu.Unlock() //nolint:staticcheck // empty critical section is the barrier

	if err := s.Err(); err != nil {
		return err
	}
	return s.authority.BlockUntil(s.authority.PeekNext() - 1)
}

// SyncWorker dispatches pending work and blocks until the worker has
// executed every chunk dispatched so far. Unlike WaitWorker it does not
// wait for the GPU, only for submissions to reach the queue.
func (s *Scheduler) SyncWorker() error {
	s.DispatchWork()

	s.queueMu.Lock()
	target := s.dispatched
	for s.executed < target && !s.stop {
		s.progress.Wait()
	}
	s.queueMu.Unlock()
	return s.Err()
}

// RequestRenderpass makes fb the open render pass. Requesting the pass that
// is already open records nothing.
func (s *Scheduler) RequestRenderpass(fb gpusched.Framebuffer) {
	if s.state.matches(fb) {
		return
	}
	s.endRenderPass()

	images, ranges := fb.Images(), fb.Ranges()
	if len(images) != len(ranges) {
		panic(fmt.Sprintf("scheduler: framebuffer %q has %d images but %d ranges",
			fb.Label(), len(images), len(ranges)))
	}

	begin := gpusched.RenderPassBegin{
		RenderPass:  fb.RenderPass(),
		Framebuffer: fb,
		Area:        fb.RenderArea(),
	}
	s.Record(func(cmd gpusched.CommandBuffer) {
		cmd.BeginRenderPass(begin)
	})

	s.state.RenderPass = begin.RenderPass
	s.state.Framebuffer = fb
	s.state.RenderArea = begin.Area
	s.rpImages = slices.Clone(images)
	s.rpRanges = slices.Clone(ranges)
}

// RequestOutsideRenderPassOperationContext ends any open render pass. Call
// it before transfers or compute work.
func (s *Scheduler) RequestOutsideRenderPassOperationContext() {
	s.endRenderPass()
}

// UpdateGraphicsPipeline caches p as the bound pipeline. It reports whether
// p differs from the cached one, so callers can skip redundant binds.
func (s *Scheduler) UpdateGraphicsPipeline(p gpusched.Pipeline) bool {
	if s.state.GraphicsPipeline == p {
		return false
	}
	s.state.GraphicsPipeline = p
	return true
}

// UpdateRescaling caches the rescaling flag and reports whether it changed.
func (s *Scheduler) UpdateRescaling(rescaling bool) bool {
	if s.state.RescalingDefined && s.state.Rescaling == rescaling {
		return false
	}
	s.state.RescalingDefined = true
	s.state.Rescaling = rescaling
	return true
}

// State returns a copy of the cached binding state.
func (s *Scheduler) State() State { return s.state }

// SubmitTick returns the tick the next Flush will signal.
func (s *Scheduler) SubmitTick() gpusched.Tick { return s.authority.PeekNext() }

// CompletedTick returns the latest tick the GPU has completed.
func (s *Scheduler) CompletedTick() gpusched.Tick { return s.authority.LatestCompleted() }

// IsTickCompleted reports whether the GPU has completed tick.
func (s *Scheduler) IsTickCompleted(tick gpusched.Tick) bool {
	return s.authority.IsCompleted(tick)
}

// WaitUntilTick blocks until the GPU has completed tick.
func (s *Scheduler) WaitUntilTick(tick gpusched.Tick) error {
	return s.authority.BlockUntil(tick)
}

// Wait blocks until tick completes, flushing first when tick belongs to
// work that has not been submitted yet.
func (s *Scheduler) Wait(tick gpusched.Tick) error {
	if tick >= s.authority.PeekNext() {
		if s.closed.Load() {
			return gpusched.ErrClosed
		}
		s.Flush(nil, nil)
	}
	return s.WaitUntilTick(tick)
}

// SubmitLocker returns the lock that serializes queue submission. Other
// queue users hold it while they submit.
func (s *Scheduler) SubmitLocker() sync.Locker { return &s.submitMu }

// Err returns the first fatal error, such as device loss.
func (s *Scheduler) Err() error {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal
}

// Failed returns a channel that is closed when the scheduler hits its first
// fatal error. Chunks dispatched after that are discarded unexecuted.
func (s *Scheduler) Failed() <-chan struct{} { return s.failed }

// Close stops the worker and waits for it to exit. Chunks still queued are
// dropped; call WaitWorker first to retire them. Close returns the fatal
// error, if any, and is safe to call multiple times.
func (s *Scheduler) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return s.Err()
	}

	s.queueMu.Lock()
	s.stop = true
	s.queueMu.Unlock()
	s.workReady.Broadcast()
	s.progress.Broadcast()

	err := s.group.Wait()
	s.log.Info("scheduler: worker stopped")
	return err
}

// submitExecution records the submission of everything recorded so far.
func (s *Scheduler) submitExecution(signal, wait gpusched.Semaphore) gpusched.Tick {
	s.endPendingOperations()
	s.state.invalidate()

	tick := s.authority.ReserveNext()
	s.RecordWithUploadBuffer(func(cmd, upload gpusched.CommandBuffer) {
		upload.PipelineBarrier(uploadBarrier)
		endErr := errors.Join(upload.End(), cmd.End())

		if s.opts.onSubmit != nil {
			s.opts.onSubmit()
		}

		sub := gpusched.Submission{Upload: upload, Primary: cmd, Tick: tick}
		if signal != nil {
			sub.Signal = []gpusched.Semaphore{signal}
		}
		if wait != nil {
			sub.Wait = []gpusched.Semaphore{wait}
		}

		err := endErr
		if err == nil {
			s.submitMu.Lock()
			err = s.authority.Submit(sub)
			s.submitMu.Unlock()
		}
		if err != nil {
			s.metrics.failures.Inc()
			s.fail(fmt.Errorf("scheduler: submit tick %d: %w", tick, err))
			return
		}

		s.metrics.submissions.Inc()
		s.cmdPool.Release(tick, upload, cmd)
		s.log.Debug("scheduler: submitted", "tick", tick)
	})
	s.chunk.MarkSubmit()
	s.DispatchWork()
	return tick
}

// allocateNewContext reopens the query segment closed before submission.
func (s *Scheduler) allocateNewContext() {
	if s.opts.queries != nil {
		s.opts.queries.NotifySegment(true)
	}
}

// endPendingOperations closes everything that may not span a submission.
func (s *Scheduler) endPendingOperations() {
	if s.opts.queries != nil {
		s.opts.queries.NotifySegment(false)
	}
	s.endRenderPass()
}

// endRenderPass records the end of the open render pass followed by a
// barrier moving every attachment to the general layout.
func (s *Scheduler) endRenderPass() {
	if !s.state.InRenderPass() {
		return
	}

	barriers := make([]gpusched.ImageBarrier, len(s.rpImages))
	for i, img := range s.rpImages {
		rng := s.rpRanges[i]
		oldLayout := gpusched.LayoutColorAttachment
		if rng.Aspect&(gpusched.AspectDepth|gpusched.AspectStencil) != 0 {
			oldLayout = gpusched.LayoutDepthStencilAttachment
		}
		barriers[i] = gpusched.ImageBarrier{
			Image:     img,
			SrcAccess: gpusched.AccessColorAttachmentWrite | gpusched.AccessDepthStencilAttachmentWrite,
			DstAccess: gpusched.AccessMemoryRead | gpusched.AccessMemoryWrite,
			OldLayout: oldLayout,
			NewLayout: gpusched.LayoutGeneral,
			Range:     rng,
		}
	}
	barrier := gpusched.Barrier{
		SrcStage: gpusched.StageEarlyFragmentTests | gpusched.StageLateFragmentTests |
			gpusched.StageColorAttachmentOutput,
		DstStage: gpusched.StageAllCommands,
		Images:   barriers,
	}

	s.Record(func(cmd gpusched.CommandBuffer) {
		cmd.EndRenderPass()
		cmd.PipelineBarrier(barrier)
	})

	s.state.clearRenderPass()
	s.rpImages = nil
	s.rpRanges = nil
}

// fail records the first fatal error and fails the timeline so no waiter
// blocks on a tick that will never be submitted.
func (s *Scheduler) fail(err error) {
	s.fatalMu.Lock()
	first := s.fatal == nil
	if first {
		s.fatal = err
	}
	s.fatalMu.Unlock()
	if !first {
		return
	}

	close(s.failed)
	s.authority.Fail(err)
	if gpusched.KindOf(err) == gpusched.KindDeviceLost {
		s.log.Error("scheduler: device lost", "err", err)
		if s.opts.loss != nil {
			s.opts.loss.ReportLoss()
		}
		return
	}
	s.log.Error("scheduler: fatal error", "err", err)
}
