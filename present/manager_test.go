package present

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/backend/software"
	"github.com/gogpu/gpusched/scheduler"
)

type fixture struct {
	dev   *software.Device
	sched *scheduler.Scheduler
	sc    *software.Swapchain
	m     *Manager
}

// newFixture builds a software device, a scheduler and a present manager.
// A nil prepare leaves the swapchain for New to create.
func newFixture(t *testing.T, devOpts []software.Option, prepare func(*software.Device, *software.Swapchain, gpusched.Surface), opts ...Option) *fixture {
	t.Helper()
	dev := software.New(devOpts...)
	sched, err := scheduler.New(dev.Authority(), dev.CommandPool())
	if err != nil {
		t.Fatal(err)
	}
	sc := dev.NewSoftwareSwapchain()
	out := Output{Swapchain: sc, Surfaces: dev.Surfaces()}
	if prepare != nil {
		surface, err := dev.SurfaceFactory().CreateSurface()
		if err != nil {
			t.Fatal(err)
		}
		prepare(dev, sc, surface)
		out.Surface = surface
	}

	m, err := New(dev, sched, out, opts...)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		dev.Timeline().RetireAll()
		_ = m.Close()
		_ = sched.Close()
	})
	return &fixture{dev: dev, sched: sched, sc: sc, m: m}
}

// render takes a frame, renders into it and flushes its render-ready
// semaphore.
func (fx *fixture) render(t *testing.T) *Frame {
	t.Helper()
	f, err := fx.m.GetRenderFrame()
	if err != nil {
		t.Fatalf("GetRenderFrame() = %v", err)
	}
	fx.sched.RequestRenderpass(f.Framebuffer())
	fx.sched.Flush(f.RenderReady(), nil)
	return f
}

func (fx *fixture) renderAndPresent(t *testing.T) {
	t.Helper()
	if err := fx.m.Present(fx.render(t)); err != nil {
		t.Fatalf("Present() = %v", err)
	}
}

// copies returns the copy submissions, which signal a fence instead of a
// tick.
func (fx *fixture) copies() []software.Record {
	var out []software.Record
	for _, r := range fx.dev.Timeline().Submissions() {
		if r.Fence != "" {
			out = append(out, r)
		}
	}
	return out
}

func (fx *fixture) taken() int {
	fx.m.freeMu.Lock()
	defer fx.m.freeMu.Unlock()
	return fx.m.taken
}

func syncMode() Option { return WithPresentThread(false) }

// =============================================================================
// Swapchain parameters
// =============================================================================

func TestChoosePresentMode(t *testing.T) {
	fifo, mailbox, immediate := gpusched.PresentModeFIFO, gpusched.PresentModeMailbox, gpusched.PresentModeImmediate
	tests := []struct {
		name      string
		available []gpusched.PresentMode
		preferred []gpusched.PresentMode
		want      gpusched.PresentMode
	}{
		{"mailbox available", []gpusched.PresentMode{fifo, mailbox}, []gpusched.PresentMode{mailbox}, mailbox},
		{"mailbox missing", []gpusched.PresentMode{fifo, immediate}, []gpusched.PresentMode{mailbox}, fifo},
		{"immediate allowed", []gpusched.PresentMode{fifo, immediate}, []gpusched.PresentMode{mailbox, immediate}, immediate},
		{"no preference", []gpusched.PresentMode{fifo, mailbox}, nil, fifo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := choosePresentMode(tt.available, tt.preferred); got != tt.want {
				t.Errorf("choosePresentMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestImageAndFrameCounts(t *testing.T) {
	tests := []struct {
		lo, hi     int
		wantImages int
		wantFrames int
	}{
		{1, 0, 2, 2},
		{2, 8, 3, 3},
		{2, 2, 2, 2},
		{3, 0, 4, 3},
		{0, 1, 1, 2},
	}
	for _, tt := range tests {
		images := chooseImageCount(tt.lo, tt.hi)
		if images != tt.wantImages {
			t.Errorf("chooseImageCount(%d, %d) = %d, want %d", tt.lo, tt.hi, images, tt.wantImages)
		}
		if got := frameCount(images); got != tt.wantFrames {
			t.Errorf("frameCount(%d) = %d, want %d", images, got, tt.wantFrames)
		}
	}
}

func TestNewCreatesSwapchain(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())

	if fx.sc.Generation() != 1 {
		t.Errorf("Generation() = %d, want 1", fx.sc.Generation())
	}
	if fx.sc.Mode() != gpusched.PresentModeMailbox {
		t.Errorf("Mode() = %v, want mailbox", fx.sc.Mode())
	}
	if fx.sc.Extent() != defaultExtent {
		t.Errorf("Extent() = %v, want %v", fx.sc.Extent(), defaultExtent)
	}
	if fx.m.FrameCount() != 3 {
		t.Errorf("FrameCount() = %d, want 3", fx.m.FrameCount())
	}
	if got := fx.dev.Live("framebuffer"); got != 3 {
		t.Errorf("live framebuffers = %d, want 3", got)
	}
}

// =============================================================================
// Present paths
// =============================================================================

func TestSyncPresentCopies(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())

	for range 5 {
		fx.renderAndPresent(t)
	}
	if got := len(fx.sc.Presented()); got != 5 {
		t.Fatalf("presented %d images, want 5", got)
	}

	copies := fx.copies()
	if len(copies) != 5 {
		t.Fatalf("got %d copy submissions, want 5", len(copies))
	}
	c := copies[0]
	ops := []software.Op{software.OpBarrier, software.OpCopyImage, software.OpBarrier}
	if len(c.Primary) != len(ops) {
		t.Fatalf("copy recorded %d commands, want %d", len(c.Primary), len(ops))
	}
	for i, op := range ops {
		if c.Primary[i].Op != op {
			t.Errorf("command %d = %s, want %s", i, c.Primary[i].Op, op)
		}
	}
	if len(c.Wait) != 2 || !strings.HasSuffix(c.Wait[0], "_acquired") || !strings.HasSuffix(c.Wait[1], "_render_ready") {
		t.Errorf("copy waits on %v, want acquire and render-ready", c.Wait)
	}
	if last := c.Primary[2].Barrier.Images[0]; last.NewLayout != gpusched.LayoutPresentSrc {
		t.Errorf("final layout = %v, want present-src", last.NewLayout)
	}
	if fx.taken() != 0 {
		t.Errorf("%d frames still taken", fx.taken())
	}
}

func TestAsyncPresent(t *testing.T) {
	fx := newFixture(t, nil, nil)

	for range 12 {
		fx.renderAndPresent(t)
		if n := fx.taken(); n > fx.m.FrameCount() {
			t.Fatalf("%d frames taken, pool holds %d", n, fx.m.FrameCount())
		}
	}
	if err := fx.m.WaitPresent(); err != nil {
		t.Fatalf("WaitPresent() = %v", err)
	}
	if got := len(fx.sc.Presented()); got != 12 {
		t.Errorf("presented %d images, want 12", got)
	}
	if fx.taken() != 0 {
		t.Errorf("%d frames still taken after WaitPresent", fx.taken())
	}
}

func TestBlitWhenSizesDiffer(t *testing.T) {
	swapchainAt := func(_ *software.Device, sc *software.Swapchain, s gpusched.Surface) {
		if err := sc.Create(s, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 1280, Height: 720}, ImageCount: 3}); err != nil {
			t.Fatal(err)
		}
	}
	small := gpusched.Extent2D{Width: 640, Height: 360}

	tests := []struct {
		name string
		blit bool
		want software.Op
	}{
		{"blit supported", true, software.OpBlitImage},
		{"blit unsupported", false, software.OpCopyImage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, []software.Option{software.WithBlitSupport(tt.blit)}, swapchainAt,
				syncMode(), WithFrameExtent(small))
			fx.renderAndPresent(t)

			cmd := fx.copies()[0].Primary[1]
			if cmd.Op != tt.want {
				t.Fatalf("transfer = %s, want %s", cmd.Op, tt.want)
			}
			switch cmd.Op {
			case software.OpBlitImage:
				if got := cmd.Blits[0].DstOffsets[1]; got.X != 1280 || got.Y != 720 {
					t.Errorf("blit destination corner = %+v", got)
				}
			case software.OpCopyImage:
				if got := cmd.Copies[0].Extent; got != small {
					t.Errorf("copy extent = %v, want %v", got, small)
				}
			}
		})
	}
}

func TestGetRenderFrameWaitsForCopy(t *testing.T) {
	fx := newFixture(t, []software.Option{software.WithManualRetire()}, nil, syncMode())

	for range fx.m.FrameCount() {
		fx.renderAndPresent(t)
	}

	got := make(chan *Frame, 1)
	go func() {
		f, err := fx.m.GetRenderFrame()
		if err != nil {
			t.Errorf("GetRenderFrame() = %v", err)
		}
		got <- f
	}()

	select {
	case <-got:
		t.Fatal("GetRenderFrame returned a frame whose copy is in flight")
	case <-time.After(20 * time.Millisecond):
	}

	fx.dev.Timeline().RetireAll()
	select {
	case f := <-got:
		if f == nil {
			return
		}
		if !f.presentDone.Signaled() {
			t.Error("returned frame has an unsignaled present fence")
		}
	case <-time.After(time.Second):
		t.Fatal("GetRenderFrame still blocked after retire")
	}
}

// =============================================================================
// Recovery
// =============================================================================

func TestAcquireRecreationRetriesSameFrame(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())
	fx.sc.ForceRecreation(1)

	fx.renderAndPresent(t)

	if fx.sc.Generation() != 2 {
		t.Errorf("Generation() = %d, want 2", fx.sc.Generation())
	}
	presented := fx.sc.Presented()
	if len(presented) != 1 || !strings.HasPrefix(presented[0], "swapchain2_") {
		t.Errorf("Presented() = %v, want one image of the new swapchain", presented)
	}
}

func TestPresentOutOfDateResubmits(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())
	fx.sc.FailPresent(gpusched.ErrOutOfDate)

	fx.renderAndPresent(t)

	if len(fx.sc.Presented()) != 1 {
		t.Fatalf("Presented() = %v, want one image", fx.sc.Presented())
	}
	copies := fx.copies()
	if len(copies) != 2 {
		t.Fatalf("got %d copy submissions, want 2", len(copies))
	}
	if len(copies[1].Wait) != 1 {
		t.Errorf("retry waits on %v, want only the acquire semaphore", copies[1].Wait)
	}
	if got := testutil.ToFloat64(fx.m.metrics.retries); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
}

func TestSurfaceLossRecreatesWithBackoff(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())
	fx.dev.SurfaceFactory().Current().Lose()
	fx.dev.SurfaceFactory().FailNext(2)

	fx.renderAndPresent(t)

	if got := fx.dev.SurfaceFactory().Created(); got != 2 {
		t.Errorf("created %d surfaces, want 2", got)
	}
	if len(fx.sc.Presented()) != 1 {
		t.Errorf("Presented() = %v, want one image", fx.sc.Presented())
	}
	if got := testutil.ToFloat64(fx.m.metrics.recreations.WithLabelValues("surface")); got != 1 {
		t.Errorf("surface recreations = %v, want 1", got)
	}
}

func TestSurfaceRetriesExhausted(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode(), WithSurfaceRetries(2))
	fx.dev.SurfaceFactory().Current().Lose()
	fx.dev.SurfaceFactory().FailNext(100)

	err := fx.m.Present(fx.render(t))
	if !errors.Is(err, gpusched.ErrSurfaceLost) {
		t.Fatalf("Present() = %v, want ErrSurfaceLost", err)
	}
	if _, err := fx.m.GetRenderFrame(); err == nil {
		t.Error("GetRenderFrame succeeded after a fatal present error")
	}
}

func TestDeviceLossReported(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())
	f := fx.render(t)
	if err := fx.sched.SyncWorker(); err != nil {
		t.Fatal(err)
	}
	fx.dev.Timeline().InjectSubmitError(gpusched.ErrDeviceLost)

	if err := fx.m.Present(f); !errors.Is(err, gpusched.ErrDeviceLost) {
		t.Fatalf("Present() = %v, want ErrDeviceLost", err)
	}
	if fx.dev.LossReports() != 1 {
		t.Errorf("LossReports() = %d, want 1", fx.dev.LossReports())
	}
	if _, err := fx.m.GetRenderFrame(); !errors.Is(err, gpusched.ErrDeviceLost) {
		t.Errorf("GetRenderFrame() = %v, want ErrDeviceLost", err)
	}
}

func TestAsyncDeviceLossFailsRendering(t *testing.T) {
	fx := newFixture(t, nil, nil)
	fx.dev.Timeline().InjectSubmitError(gpusched.ErrDeviceLost)

	done := make(chan error, 1)
	go func() {
		// Every frame's handoff is dropped once the scheduler fails, so
		// the loop must stop before it runs out of frames.
		for range fx.m.FrameCount() + 1 {
			f, err := fx.m.GetRenderFrame()
			if err != nil {
				done <- err
				return
			}
			fx.sched.RequestRenderpass(f.Framebuffer())
			fx.sched.Flush(f.RenderReady(), nil)
			if err := fx.m.Present(f); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if !errors.Is(err, gpusched.ErrDeviceLost) {
			t.Errorf("rendering stopped with %v, want ErrDeviceLost", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("GetRenderFrame or Present blocked after device loss")
	}
	if err := fx.m.Err(); !errors.Is(err, gpusched.ErrDeviceLost) {
		t.Errorf("Err() = %v, want ErrDeviceLost", err)
	}
}

// =============================================================================
// Frame pool
// =============================================================================

func TestPoolShrinksAfterRecreation(t *testing.T) {
	threeImages := func(_ *software.Device, sc *software.Swapchain, s gpusched.Surface) {
		if err := sc.Create(s, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 64, Height: 64}, ImageCount: 3}); err != nil {
			t.Fatal(err)
		}
	}
	fx := newFixture(t, []software.Option{software.WithImageCountRange(1, 0)}, threeImages, syncMode())
	if fx.m.FrameCount() != 3 {
		t.Fatalf("FrameCount() = %d, want 3", fx.m.FrameCount())
	}

	var frames []*Frame
	for range 3 {
		frames = append(frames, fx.render(t))
	}
	if err := fx.m.RecreateSwapchain(gpusched.Extent2D{Width: 64, Height: 64}); err != nil {
		t.Fatal(err)
	}
	if fx.m.FrameCount() != 2 {
		t.Fatalf("FrameCount() = %d after recreation, want 2", fx.m.FrameCount())
	}
	if got := fx.dev.Live("framebuffer"); got != 3 {
		t.Fatalf("taken frames destroyed early: %d live framebuffers", got)
	}

	for _, f := range frames {
		if err := fx.m.Present(f); err != nil {
			t.Fatal(err)
		}
	}
	if got := fx.dev.Live("framebuffer"); got != 2 {
		t.Errorf("live framebuffers = %d, want 2", got)
	}
	if got := fx.dev.Live("semaphore"); got != 2 {
		t.Errorf("live semaphores = %d, want 2", got)
	}
}

func TestPoolGrowsAfterRecreation(t *testing.T) {
	twoImages := func(_ *software.Device, sc *software.Swapchain, s gpusched.Surface) {
		if err := sc.Create(s, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 64, Height: 64}, ImageCount: 2}); err != nil {
			t.Fatal(err)
		}
	}
	fx := newFixture(t, nil, twoImages, syncMode())
	if fx.m.FrameCount() != 2 {
		t.Fatalf("FrameCount() = %d, want 2", fx.m.FrameCount())
	}

	if err := fx.m.RecreateSwapchain(gpusched.Extent2D{Width: 64, Height: 64}); err != nil {
		t.Fatal(err)
	}
	if fx.m.FrameCount() != 3 {
		t.Errorf("FrameCount() = %d, want 3", fx.m.FrameCount())
	}
	for range 4 {
		fx.renderAndPresent(t)
	}
	if got := fx.dev.Live("framebuffer"); got != 3 {
		t.Errorf("live framebuffers = %d, want 3", got)
	}
}

func TestRecreateFrame(t *testing.T) {
	fx := newFixture(t, nil, nil, syncMode())
	f := fx.render(t)
	before := fx.dev.Live("image")

	small := gpusched.Extent2D{Width: 320, Height: 200}
	if err := fx.m.RecreateFrame(f, small); err != nil {
		t.Fatal(err)
	}
	if f.Extent() != small || f.Image().Extent() != small {
		t.Errorf("frame extent = %v, image %v", f.Extent(), f.Image().Extent())
	}
	if got := fx.dev.Live("image"); got != before {
		t.Errorf("live images = %d, want %d", got, before)
	}
	if err := fx.m.Present(f); err != nil {
		t.Fatal(err)
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestCloseReleasesFrames(t *testing.T) {
	dev := software.New()
	sched, err := scheduler.New(dev.Authority(), dev.CommandPool())
	if err != nil {
		t.Fatal(err)
	}
	defer sched.Close()

	m, err := New(dev, sched, Output{Swapchain: dev.NewSwapchain(), Surfaces: dev.Surfaces()})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if got := dev.Live("framebuffer") + dev.Live("fence") + dev.Live("semaphore"); got != 0 {
		t.Errorf("%d objects leaked", got)
	}
	if _, err := m.GetRenderFrame(); !errors.Is(err, gpusched.ErrClosed) {
		t.Errorf("GetRenderFrame after Close = %v, want ErrClosed", err)
	}
}

func TestMetricsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	fx := newFixture(t, nil, nil, syncMode(), WithRegisterer(reg))
	fx.renderAndPresent(t)

	if got := testutil.ToFloat64(fx.m.metrics.presented); got != 1 {
		t.Errorf("presented = %v, want 1", got)
	}
	if got := testutil.ToFloat64(fx.m.metrics.frames); got != 3 {
		t.Errorf("frames = %v, want 3", got)
	}
	if n, err := testutil.GatherAndCount(reg); err != nil || n == 0 {
		t.Errorf("GatherAndCount() = %d, %v", n, err)
	}
}

func TestNewRequiresOutput(t *testing.T) {
	dev := software.New()
	if _, err := New(dev, nil, Output{}); err == nil {
		t.Error("New without scheduler or output succeeded")
	}
}
