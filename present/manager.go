// Package present moves rendered frames to a swapchain.
//
// A Manager owns a small pool of frames (two or three). The renderer takes
// a frame with GetRenderFrame, renders into its framebuffer through the
// scheduler, flushes signaling the frame's RenderReady semaphore and hands
// the frame back with Present. The copy into the swapchain image waits on
// that semaphore on the GPU, never on the CPU.
//
// In asynchronous mode (the default) copies run on a dedicated goroutine;
// Present only schedules the handoff. In synchronous mode Present copies
// and presents inline.
//
// Surface loss, out-of-date and suboptimal swapchains are recovered inside
// CopyToSwapchain by recreating the surface or swapchain and retrying the
// same frame. Device loss is reported to the device and returned.
package present

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gogpu/gpusched"
)

// Device is the device surface the manager uses. Backend devices
// implement it.
type Device interface {
	gpusched.Device
	Authority() gpusched.TickAuthority
	CommandPool() gpusched.CommandPool
}

// Scheduler is the part of the scheduler the manager uses.
// *scheduler.Scheduler implements it.
type Scheduler interface {
	Record(fn func(cmd gpusched.CommandBuffer))
	DispatchWork()
	SyncWorker() error
	SubmitLocker() sync.Locker
	// Err and Failed report a fatal scheduler error. Work recorded after
	// it never runs.
	Err() error
	Failed() <-chan struct{}
}

// Output is the presentation target.
type Output struct {
	// Swapchain presents images. It is created by New when it has no
	// images yet.
	Swapchain gpusched.Swapchain
	// Surfaces recreates the surface after it is lost.
	Surfaces gpusched.SurfaceFactory
	// Surface is the current surface. When nil, New creates one.
	Surface gpusched.Surface
}

// defaultExtent sizes a swapchain created by New when no frame extent is
// configured.
var defaultExtent = gpusched.Extent2D{Width: 1280, Height: 720}

// Manager presents frames. GetRenderFrame, Present, RecreateFrame and
// WaitPresent are called from the scheduler's recording goroutine; the
// rest is safe for concurrent use.
type Manager struct {
	dev       Device
	authority gpusched.TickAuthority
	pool      gpusched.CommandPool
	sched     Scheduler
	sc        gpusched.Swapchain
	surfaces  gpusched.SurfaceFactory
	opts      options
	log       *slog.Logger
	metrics   *metrics

	// presentMu serializes swapchain use. The present goroutine holds it
	// for a whole copy so WaitPresent observes finished presents.
	presentMu   sync.Mutex
	surface     gpusched.Surface
	blit        bool
	frameExtent gpusched.Extent2D

	// freeMu guards the frame pool.
	freeMu   sync.Mutex
	freeCond *sync.Cond
	frames   []*Frame // every live frame
	free     []*Frame
	target   int
	taken    int

	// queueMu guards the present queue.
	queueMu   sync.Mutex
	queueCond *sync.Cond
	queue     []*Frame
	stop      bool

	errMu sync.Mutex
	err   error

	group  errgroup.Group
	done   chan struct{} // closed by Close
	closed atomic.Bool
}

// New creates a present manager and, in asynchronous mode, starts its
// present goroutine.
func New(dev Device, sched Scheduler, out Output, opts ...Option) (*Manager, error) {
	if dev == nil || sched == nil || out.Swapchain == nil || out.Surfaces == nil {
		return nil, errors.New("present: device, scheduler, swapchain and surface factory are required")
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		dev:         dev,
		authority:   dev.Authority(),
		pool:        dev.CommandPool(),
		sched:       sched,
		sc:          out.Swapchain,
		surfaces:    out.Surfaces,
		surface:     out.Surface,
		opts:        o,
		log:         o.logger,
		frameExtent: o.frameExtent,
		done:        make(chan struct{}),
	}
	if m.log == nil {
		m.log = gpusched.Logger()
	}
	m.freeCond = sync.NewCond(&m.freeMu)
	m.queueCond = sync.NewCond(&m.queueMu)

	met, err := newMetrics(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("present: register metrics: %w", err)
	}
	m.metrics = met

	if m.surface == nil {
		if m.surface, err = m.surfaces.CreateSurface(); err != nil {
			return nil, fmt.Errorf("present: create surface: %w", err)
		}
	}

	m.presentMu.Lock()
	if m.sc.ImageCount() == 0 {
		extent := m.frameExtent
		if extent.Empty() {
			extent = defaultExtent
		}
		err = m.recreateSwapchain(extent)
	} else {
		m.blit = m.dev.SupportsBlit(m.sc.ImageFormat())
		err = m.resizePool(frameCount(m.sc.ImageCount()))
	}
	m.presentMu.Unlock()
	if err != nil {
		_ = m.destroyFrames()
		return nil, err
	}

	if o.presentThread {
		m.group.Go(m.presentLoop)
		m.group.Go(m.watchScheduler)
	}
	m.log.Info("present: manager started",
		"frames", m.FrameCount(), "async", o.presentThread, "blit", m.blit)
	return m, nil
}

// GetRenderFrame blocks until a frame is free and its previous copy has
// retired, then hands it to the caller.
func (m *Manager) GetRenderFrame() (*Frame, error) {
	m.freeMu.Lock()
	for len(m.free) == 0 && !m.closed.Load() && m.Err() == nil {
		m.freeCond.Wait()
	}
	if m.closed.Load() {
		m.freeMu.Unlock()
		return nil, gpusched.ErrClosed
	}
	if err := m.Err(); err != nil {
		m.freeMu.Unlock()
		return nil, err
	}
	f := m.free[0]
	m.free[0] = nil
	m.free = m.free[1:]
	m.taken++
	m.metrics.framesTaken.Set(float64(m.taken))
	m.freeMu.Unlock()

	if f.copyCmd != nil {
		if _, err := f.presentDone.Wait(-1); err != nil {
			m.release(f)
			return nil, fmt.Errorf("present: wait frame %d: %w", f.index, err)
		}
		m.releaseCopy(f)
	}
	f.copied = false
	return f, nil
}

// Present hands a rendered frame back for presentation. The frame's
// RenderReady semaphore must be signaled by an earlier flush.
func (m *Manager) Present(f *Frame) error {
	if !m.opts.presentThread {
		// The render submission must reach the queue before the copy
		// waits on its semaphore.
		if err := m.sched.SyncWorker(); err != nil {
			m.release(f)
			return err
		}
		err := m.CopyToSwapchain(f)
		m.release(f)
		if err != nil {
			m.fail(err)
		}
		return err
	}

	if err := m.sched.Err(); err != nil {
		m.release(f)
		m.fail(err)
		return err
	}
	// The handoff runs on the scheduler worker after the render
	// submission, so the copy never overtakes it. If the scheduler fails
	// first the handoff is dropped with f still taken; watchScheduler then
	// fails the manager so GetRenderFrame does not wait for it.
	m.sched.Record(func(gpusched.CommandBuffer) { m.enqueue(f) })
	m.sched.DispatchWork()
	return m.Err()
}

// WaitPresent blocks until every frame handed to Present has been
// presented.
func (m *Manager) WaitPresent() error {
	if !m.opts.presentThread {
		return m.dev.WaitIdle()
	}
	if err := m.sched.SyncWorker(); err != nil {
		return err
	}

	m.queueMu.Lock()
	for len(m.queue) > 0 && !m.stop {
		m.queueCond.Wait()
	}
	m.queueMu.Unlock()

	// The present goroutine takes presentMu before it releases queueMu.
	m.presentMu.Lock()
	m.presentMu.Unlock() //nolint:staticcheck // empty critical section is the barrier
	return m.Err()
}

// CopyToSwapchain copies f into the next swapchain image and presents it,
// recovering from surface and swapchain loss.
func (m *Manager) CopyToSwapchain(f *Frame) error {
	m.presentMu.Lock()
	defer m.presentMu.Unlock()
	return m.copyToSwapchain(f)
}

// RecreateSwapchain rebuilds the swapchain at extent and resizes the frame
// pool to the new image count.
func (m *Manager) RecreateSwapchain(extent gpusched.Extent2D) error {
	m.presentMu.Lock()
	defer m.presentMu.Unlock()
	return m.recreateSwapchain(extent)
}

// FrameCount returns the number of frames the pool is sized for.
func (m *Manager) FrameCount() int {
	m.freeMu.Lock()
	defer m.freeMu.Unlock()
	return m.target
}

// Err returns the error that stopped presentation, if any.
func (m *Manager) Err() error {
	m.errMu.Lock()
	defer m.errMu.Unlock()
	return m.err
}

// Close stops the present goroutine, waits for the GPU and releases every
// frame. Frames still queued are dropped. Close is safe to call more than
// once.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	close(m.done)
	m.queueMu.Lock()
	m.stop = true
	m.queueMu.Unlock()
	m.queueCond.Broadcast()
	m.freeMu.Lock()
	m.freeCond.Broadcast()
	m.freeMu.Unlock()

	err := m.group.Wait()
	if werr := m.dev.WaitIdle(); werr != nil && !errors.Is(werr, gpusched.ErrDeviceLost) {
		err = errors.Join(err, werr)
	}
	err = errors.Join(err, m.destroyFrames())
	m.log.Info("present: manager closed")
	return err
}

// enqueue queues f for the present goroutine. It runs on the scheduler
// worker.
func (m *Manager) enqueue(f *Frame) {
	m.queueMu.Lock()
	if m.stop || m.Err() != nil {
		m.queueMu.Unlock()
		m.release(f)
		return
	}
	m.queue = append(m.queue, f)
	m.queueMu.Unlock()
	m.queueCond.Signal()
}

// presentLoop is the present goroutine.
func (m *Manager) presentLoop() error {
	for {
		m.queueMu.Lock()
		for len(m.queue) == 0 && !m.stop {
			m.queueCond.Wait()
		}
		if m.stop {
			m.queueMu.Unlock()
			return nil
		}
		f := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		if len(m.queue) == 0 {
			m.queueCond.Broadcast()
		}
		m.presentMu.Lock()
		m.queueMu.Unlock()

		err := m.copyToSwapchain(f)
		m.release(f)
		m.presentMu.Unlock()

		if err != nil {
			m.fail(err)
			m.drainQueue()
			return err
		}
	}
}

// watchScheduler fails the manager when the scheduler fails, waking
// GetRenderFrame callers waiting on frames whose handoff was dropped.
func (m *Manager) watchScheduler() error {
	select {
	case <-m.sched.Failed():
		err := m.sched.Err()
		m.log.Error("present: scheduler failed", "err", err)
		m.fail(err)
		m.drainQueue()
	case <-m.done:
	}
	return nil
}

// drainQueue returns every queued frame to the pool after a fatal error.
func (m *Manager) drainQueue() {
	m.queueMu.Lock()
	rest := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	m.queueCond.Broadcast()
	for _, f := range rest {
		m.release(f)
	}
}

// release returns a taken frame to the free pool, or destroys it when the
// pool has shrunk below the live frame count.
func (m *Manager) release(f *Frame) {
	m.freeMu.Lock()
	m.taken--
	m.metrics.framesTaken.Set(float64(m.taken))
	if len(m.frames) > m.target && !m.closed.Load() {
		m.removeFrame(f)
		m.freeMu.Unlock()
		if err := m.destroyFrame(f); err != nil {
			m.log.Warn("present: retire frame", "err", err)
		}
		return
	}
	m.free = append(m.free, f)
	m.freeMu.Unlock()
	m.freeCond.Signal()
}

// resizePool grows or shrinks the pool to n frames. Taken frames above n
// are destroyed when they are returned. presentMu must be held.
func (m *Manager) resizePool(n int) error {
	extent := m.frameExtent
	if extent.Empty() {
		extent = m.sc.Extent()
	}

	m.freeMu.Lock()
	m.target = n
	var retire []*Frame
	for len(m.frames) > n && len(m.free) > 0 {
		f := m.free[len(m.free)-1]
		m.free = m.free[:len(m.free)-1]
		m.removeFrame(f)
		retire = append(retire, f)
	}
	var err error
	for len(m.frames) < n {
		var f *Frame
		if f, err = m.newFrame(m.nextIndex(), extent); err != nil {
			break
		}
		m.frames = append(m.frames, f)
		m.free = append(m.free, f)
	}
	live := len(m.frames)
	m.metrics.frames.Set(float64(live))
	m.freeMu.Unlock()
	m.freeCond.Broadcast()

	for _, f := range retire {
		if derr := m.destroyFrame(f); derr != nil {
			m.log.Warn("present: retire frame", "err", derr)
		}
	}
	if err != nil {
		return err
	}
	m.log.Debug("present: frame pool sized", "frames", live, "target", n)
	return nil
}

// nextIndex returns the lowest slot number not in use. freeMu must be
// held.
func (m *Manager) nextIndex() int {
	for i := 0; ; i++ {
		used := false
		for _, f := range m.frames {
			if f.index == i {
				used = true
				break
			}
		}
		if !used {
			return i
		}
	}
}

// removeFrame drops f from the live list. freeMu must be held.
func (m *Manager) removeFrame(f *Frame) {
	for i, g := range m.frames {
		if g == f {
			m.frames = append(m.frames[:i], m.frames[i+1:]...)
			return
		}
	}
}

// destroyFrames releases every frame. The GPU must be idle.
func (m *Manager) destroyFrames() error {
	m.freeMu.Lock()
	frames := m.frames
	m.frames, m.free = nil, nil
	m.metrics.frames.Set(0)
	m.freeMu.Unlock()

	var errs []error
	for _, f := range frames {
		errs = append(errs, m.destroyFrame(f))
	}
	return errors.Join(errs...)
}

// fail records the first fatal error and wakes frame waiters.
func (m *Manager) fail(err error) {
	m.errMu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.errMu.Unlock()

	m.freeMu.Lock()
	m.freeCond.Broadcast()
	m.freeMu.Unlock()
}
