//go:build !nogpu

package native

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusched"
)

// createNoopDevice creates a noop device and queue for testing.
// Returns the device, queue, and a cleanup function.
func createNoopDevice(t *testing.T) (hal.Device, hal.Queue, func()) {
	t.Helper()
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		t.Fatalf("Open failed: %v", err)
	}
	cleanup := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	return openDev.Device, openDev.Queue, cleanup
}

func newTestDevice(t *testing.T, opts ...Option) *Device {
	t.Helper()
	device, queue, cleanup := createNoopDevice(t)
	d, err := New(device, queue, append([]Option{WithPollInterval(5 * time.Millisecond)}, opts...)...)
	if err != nil {
		cleanup()
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		cleanup()
	})
	return d
}

// recorded allocates a buffer from the device pool and records body.
func recorded(t *testing.T, d *Device, body func(gpusched.CommandBuffer)) gpusched.CommandBuffer {
	t.Helper()
	cb, err := d.CommandPool().Allocate()
	if err != nil {
		t.Fatalf("Allocate() = %v", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin() = %v", err)
	}
	if body != nil {
		body(cb)
	}
	if err := cb.End(); err != nil {
		t.Fatalf("End() = %v", err)
	}
	return cb
}

type foreignBuffer struct{ gpusched.CommandBuffer }

// =============================================================================
// Timeline
// =============================================================================

func TestTimelineStartsAtOne(t *testing.T) {
	d := newTestDevice(t)
	tl := d.Timeline()

	if !tl.IsCompleted(0) {
		t.Error("tick 0 not complete")
	}
	if got := tl.PeekNext(); got != 1 {
		t.Errorf("PeekNext() = %d, want 1", got)
	}
	tick := tl.ReserveNext()
	if tick != 1 {
		t.Errorf("ReserveNext() = %d, want 1", tick)
	}
	if tl.IsCompleted(tick) {
		t.Error("unsubmitted tick reported complete")
	}
}

func TestTimelineSubmitAndWait(t *testing.T) {
	d := newTestDevice(t)
	tl := d.Timeline()

	for range 3 {
		tick := tl.ReserveNext()
		cb := recorded(t, d, nil)
		if err := tl.Submit(gpusched.Submission{Primary: cb, Tick: tick}); err != nil {
			t.Fatalf("Submit(%d) = %v", tick, err)
		}
		d.CommandPool().Release(tick, cb)
		if err := tl.BlockUntil(tick); err != nil {
			t.Fatalf("BlockUntil(%d) = %v", tick, err)
		}
		if !tl.IsCompleted(tick) {
			t.Errorf("tick %d not complete after BlockUntil", tick)
		}
	}
	if got := tl.LatestCompleted(); got != 3 {
		t.Errorf("LatestCompleted() = %d, want 3", got)
	}
	if got := tl.Submitted(); got != 3 {
		t.Errorf("Submitted() = %d, want 3", got)
	}
	if err := d.WaitIdle(); err != nil {
		t.Errorf("WaitIdle() = %v", err)
	}
}

func TestBlockUntilWaitsForSubmission(t *testing.T) {
	d := newTestDevice(t)
	tl := d.Timeline()
	tick := tl.ReserveNext()

	done := make(chan error, 1)
	go func() { done <- tl.BlockUntil(tick) }()
	select {
	case err := <-done:
		t.Fatalf("BlockUntil returned %v before submission", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := tl.Submit(gpusched.Submission{Primary: recorded(t, d, nil), Tick: tick}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("BlockUntil() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("BlockUntil did not return after submission")
	}
}

func TestTimelineRejects(t *testing.T) {
	tests := []struct {
		name string
		sub  func(d *Device) gpusched.Submission
		want error
	}{
		{
			name: "neither tick nor fence",
			sub: func(d *Device) gpusched.Submission {
				return gpusched.Submission{}
			},
			want: ErrInvalidUsage,
		},
		{
			name: "unreserved tick",
			sub: func(d *Device) gpusched.Submission {
				return gpusched.Submission{Tick: 7}
			},
			want: ErrOutOfOrder,
		},
		{
			name: "foreign command buffer",
			sub: func(d *Device) gpusched.Submission {
				return gpusched.Submission{Primary: foreignBuffer{}, Tick: d.Timeline().ReserveNext()}
			},
			want: ErrForeignObject,
		},
		{
			name: "foreign semaphore",
			sub: func(d *Device) gpusched.Submission {
				return gpusched.Submission{
					Wait: []gpusched.Semaphore{&Pipeline{label: "not a semaphore"}},
					Tick: d.Timeline().ReserveNext(),
				}
			},
			want: ErrForeignObject,
		},
		{
			name: "buffer still recording",
			sub: func(d *Device) gpusched.Submission {
				cb, _ := d.CommandPool().Allocate()
				_ = cb.Begin()
				return gpusched.Submission{Primary: cb, Tick: d.Timeline().ReserveNext()}
			},
			want: ErrInvalidUsage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			err := d.Timeline().Submit(tt.sub(d))
			if !errors.Is(err, tt.want) {
				t.Fatalf("Submit() = %v, want %v", err, tt.want)
			}
			if !errors.Is(d.Timeline().Err(), tt.want) {
				t.Errorf("timeline not failed: Err() = %v", d.Timeline().Err())
			}
		})
	}
}

func TestFailWakesWaiters(t *testing.T) {
	d := newTestDevice(t)
	tl := d.Timeline()
	tick := tl.ReserveNext()

	done := make(chan error, 1)
	go func() { done <- tl.BlockUntil(tick) }()
	time.Sleep(10 * time.Millisecond)

	tl.Fail(gpusched.ErrDeviceLost)
	tl.Fail(errors.New("second failure is ignored"))
	select {
	case err := <-done:
		if !errors.Is(err, gpusched.ErrDeviceLost) {
			t.Errorf("BlockUntil() = %v, want ErrDeviceLost", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Fail did not wake BlockUntil")
	}
	if err := tl.Submit(gpusched.Submission{Tick: tl.ReserveNext()}); !errors.Is(err, gpusched.ErrDeviceLost) {
		t.Errorf("Submit after Fail = %v", err)
	}
}

// =============================================================================
// Fences
// =============================================================================

func TestFenceLifecycle(t *testing.T) {
	d := newTestDevice(t)
	f, err := d.CreateFence("frame", true)
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyFence(f)

	if !f.Signaled() {
		t.Fatal("fence created signaled is not signaled")
	}
	if err := f.Reset(); err != nil {
		t.Fatal(err)
	}
	if f.Signaled() {
		t.Fatal("reset fence still signaled")
	}
	if ok, err := f.Wait(10 * time.Millisecond); ok || err != nil {
		t.Fatalf("Wait on unsubmitted fence = %v, %v", ok, err)
	}

	cb := recorded(t, d, nil)
	if err := d.Timeline().Submit(gpusched.Submission{Primary: cb, Fence: f}); err != nil {
		t.Fatalf("Submit() = %v", err)
	}
	if ok, err := f.Wait(-1); !ok || err != nil {
		t.Fatalf("Wait() = %v, %v", ok, err)
	}
	d.CommandPool().Release(0, cb)

	// A second submission without a reset is a usage error.
	err = d.Timeline().Submit(gpusched.Submission{Primary: recorded(t, d, nil), Fence: f})
	if !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("resubmit of signaled fence = %v", err)
	}
}

func TestFenceWithTick(t *testing.T) {
	d := newTestDevice(t)
	f, err := d.CreateFence("tick_and_fence", false)
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyFence(f)

	tick := d.Timeline().ReserveNext()
	if err := d.Timeline().Submit(gpusched.Submission{Primary: recorded(t, d, nil), Tick: tick, Fence: f}); err != nil {
		t.Fatal(err)
	}
	if ok, err := f.Wait(time.Second); !ok || err != nil {
		t.Errorf("fence Wait() = %v, %v", ok, err)
	}
	if err := d.Timeline().BlockUntil(tick); err != nil {
		t.Errorf("BlockUntil() = %v", err)
	}
}

// =============================================================================
// Command buffers and pool
// =============================================================================

func TestCommandBufferStates(t *testing.T) {
	d := newTestDevice(t)
	cb, err := d.CommandPool().Allocate()
	if err != nil {
		t.Fatal(err)
	}

	if err := cb.End(); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("End before Begin = %v", err)
	}
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	if err := cb.Begin(); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("Begin twice = %v", err)
	}

	cb.BlitImage(nil, nil, nil, gpusched.FilterLinear)
	if err := cb.End(); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("End after blit = %v, want ErrUnsupported", err)
	}

	// A failed recording leaves the buffer ready to begin again.
	if err := cb.Begin(); err != nil {
		t.Fatalf("Begin after failed End = %v", err)
	}
	if err := cb.End(); err != nil {
		t.Errorf("End() = %v", err)
	}
}

func TestRenderPassRecording(t *testing.T) {
	d := newTestDevice(t)
	img, err := d.CreateImage(gpusched.ImageDescriptor{
		Label:  "target",
		Extent: gpusched.Extent2D{Width: 32, Height: 32},
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyImage(img)
	fb, err := d.CreateFramebuffer(gpusched.FramebufferDescriptor{
		Label: "target_fb", Attachments: []gpusched.Image{img}, Extent: img.Extent(),
	})
	if err != nil {
		t.Fatal(err)
	}

	recorded(t, d, func(cb gpusched.CommandBuffer) {
		cb.PipelineBarrier(gpusched.Barrier{
			SrcStage: gpusched.StageTopOfPipe,
			DstStage: gpusched.StageColorAttachmentOutput,
			Images: []gpusched.ImageBarrier{{
				Image: img, OldLayout: gpusched.LayoutUndefined, NewLayout: gpusched.LayoutColorAttachment,
				Range: gpusched.ColorRange,
			}},
		})
		cb.BeginRenderPass(gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb, Area: fb.RenderArea()})
		cb.EndRenderPass()
	})
}

func TestFillPipelineDraw(t *testing.T) {
	d := newTestDevice(t)
	p, err := d.CreateFillPipeline("clear", gputypes.TextureFormatBGRA8Unorm, [4]float32{0.1, 0.2, 0.3, 1})
	if err != nil {
		t.Fatalf("CreateFillPipeline() = %v", err)
	}
	defer d.DestroyPipeline(p)
	if p.HalPipeline() == nil {
		t.Fatal("fill pipeline has no HAL pipeline")
	}

	img, err := d.CreateImage(gpusched.ImageDescriptor{
		Label:  "target",
		Extent: gpusched.Extent2D{Width: 16, Height: 16},
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyImage(img)
	fb, err := d.CreateFramebuffer(gpusched.FramebufferDescriptor{
		Label: "target_fb", Attachments: []gpusched.Image{img}, Extent: img.Extent(),
	})
	if err != nil {
		t.Fatal(err)
	}

	recorded(t, d, func(cb gpusched.CommandBuffer) {
		cb.BindGraphicsPipeline(p)
		cb.BeginRenderPass(gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb, Area: fb.RenderArea()})
		cb.(*CommandBuffer).Draw(FillVertexCount, 1)
		cb.EndRenderPass()
	})
}

func TestFillPipelineCache(t *testing.T) {
	d := newTestDevice(t, WithPipelineCacheSize(2))
	format := gputypes.TextureFormatBGRA8Unorm
	red := [4]float32{1, 0, 0, 1}

	first, err := d.FillPipeline(format, red)
	if err != nil {
		t.Fatalf("FillPipeline() = %v", err)
	}
	again, err := d.FillPipeline(format, red)
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Error("FillPipeline() should return the cached pipeline")
	}

	for _, c := range [][4]float32{{0, 1, 0, 1}, {0, 0, 1, 1}} {
		if _, err := d.FillPipeline(format, c); err != nil {
			t.Fatal(err)
		}
	}
	// The third entry pushes the cache over its limit of two and evicts
	// down to three quarters of it.
	if got := d.CachedPipelines(); got != 1 {
		t.Errorf("CachedPipelines() = %d, want 1 after eviction", got)
	}
	if err := d.WaitIdle(); err != nil {
		t.Fatalf("WaitIdle() = %v", err)
	}
	if n := len(d.fills.retired); n != 0 {
		t.Errorf("%d retired pipelines left after WaitIdle", n)
	}
}

func TestCompileWGSLRejectsBadSource(t *testing.T) {
	if _, err := compileWGSL("fn broken("); err == nil {
		t.Error("compileWGSL() should fail on malformed source")
	}
}

func TestCommandBufferMisuse(t *testing.T) {
	tests := []struct {
		name string
		body func(cb gpusched.CommandBuffer, fb gpusched.Framebuffer)
		want error
	}{
		{"end without pass", func(cb gpusched.CommandBuffer, _ gpusched.Framebuffer) { cb.EndRenderPass() }, ErrInvalidUsage},
		{"nested pass", func(cb gpusched.CommandBuffer, fb gpusched.Framebuffer) {
			rp := gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb}
			cb.BeginRenderPass(rp)
			cb.BeginRenderPass(rp)
		}, ErrInvalidUsage},
		{"open pass at end", func(cb gpusched.CommandBuffer, fb gpusched.Framebuffer) {
			cb.BeginRenderPass(gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb})
		}, ErrInvalidUsage},
		{"pipeline without HAL object", func(cb gpusched.CommandBuffer, _ gpusched.Framebuffer) {
			cb.BindGraphicsPipeline(NewPipeline("empty", nil))
		}, ErrForeignObject},
		{"draw without pipeline", func(cb gpusched.CommandBuffer, fb gpusched.Framebuffer) {
			cb.BeginRenderPass(gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb})
			cb.(*CommandBuffer).Draw(FillVertexCount, 1)
			cb.EndRenderPass()
		}, ErrInvalidUsage},
		{"texture to texture copy", func(cb gpusched.CommandBuffer, fb gpusched.Framebuffer) {
			img := fb.Images()[0]
			cb.CopyImage(img, img, []gpusched.ImageCopy{{Extent: img.Extent()}})
		}, ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDevice(t)
			img, err := d.CreateImage(gpusched.ImageDescriptor{
				Label: "img", Extent: gpusched.Extent2D{Width: 8, Height: 8}, Format: gputypes.TextureFormatBGRA8Unorm,
			})
			if err != nil {
				t.Fatal(err)
			}
			fb, err := d.CreateFramebuffer(gpusched.FramebufferDescriptor{Label: "fb", Attachments: []gpusched.Image{img}})
			if err != nil {
				t.Fatal(err)
			}
			cb, _ := d.CommandPool().Allocate()
			if err := cb.Begin(); err != nil {
				t.Fatal(err)
			}
			tt.body(cb, fb)
			if err := cb.End(); !errors.Is(err, tt.want) {
				t.Errorf("End() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPoolRecyclesAfterTick(t *testing.T) {
	d := newTestDevice(t)
	pool := d.Pool()
	tl := d.Timeline()

	cb := recorded(t, d, nil)
	tick := tl.ReserveNext()
	if err := tl.Submit(gpusched.Submission{Primary: cb, Tick: tick}); err != nil {
		t.Fatal(err)
	}
	pool.Release(tick, cb)
	if err := tl.BlockUntil(tick); err != nil {
		t.Fatal(err)
	}

	again, err := pool.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if again.(*CommandBuffer).ID() != cb.(*CommandBuffer).ID() {
		t.Errorf("pool allocated buffer %d, want recycled %d", again.(*CommandBuffer).ID(), cb.(*CommandBuffer).ID())
	}
	if pool.Allocated() != 1 {
		t.Errorf("Allocated() = %d, want 1", pool.Allocated())
	}
}

// =============================================================================
// Resources
// =============================================================================

func TestMemoryBudget(t *testing.T) {
	d := newTestDevice(t, WithMemoryBudget(1024))

	small, err := d.CreateImage(gpusched.ImageDescriptor{Label: "small", Extent: gpusched.Extent2D{Width: 8, Height: 8}})
	if err != nil {
		t.Fatalf("CreateImage(8x8) = %v", err)
	}
	if _, err := d.CreateImage(gpusched.ImageDescriptor{Label: "big", Extent: gpusched.Extent2D{Width: 16, Height: 16}}); !errors.Is(err, ErrMemoryBudgetExceeded) {
		t.Fatalf("CreateImage(16x16) = %v, want ErrMemoryBudgetExceeded", err)
	}
	buf, err := d.CreateBuffer(gpusched.BufferDescriptor{Label: "staging", Size: 256}, gpusched.UsageUpload)
	if err != nil {
		t.Fatalf("CreateBuffer() = %v", err)
	}

	stats := d.MemoryStats()
	if stats.UsedBytes != 512 || stats.Images != 1 || stats.Buffers != 1 {
		t.Errorf("MemoryStats() = %+v", stats)
	}

	d.DestroyImage(small)
	d.DestroyImage(small)
	d.DestroyBuffer(buf)
	if stats := d.MemoryStats(); stats.UsedBytes != 0 || stats.Images != 0 || stats.Buffers != 0 {
		t.Errorf("MemoryStats() after destroy = %+v", stats)
	}
}

func TestCreateImageRejectsEmptyExtent(t *testing.T) {
	d := newTestDevice(t)
	if _, err := d.CreateImage(gpusched.ImageDescriptor{Label: "empty"}); !errors.Is(err, ErrInvalidDimensions) {
		t.Errorf("CreateImage() = %v, want ErrInvalidDimensions", err)
	}
}

func TestBufferUsage(t *testing.T) {
	base := gputypes.BufferUsageVertex
	tests := []struct {
		class gpusched.UsageClass
		want  gputypes.BufferUsage
	}{
		{gpusched.UsageDeviceLocal, base},
		{gpusched.UsageUpload, base | gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc},
		{gpusched.UsageStream, base | gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc},
		{gpusched.UsageDownload, base | gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst},
	}
	for _, tt := range tests {
		t.Run(tt.class.String(), func(t *testing.T) {
			if got := bufferUsage(base, tt.class); got != tt.want {
				t.Errorf("bufferUsage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAlignedPitch(t *testing.T) {
	tests := []struct{ width, want uint32 }{
		{1, 256},
		{64, 256},
		{65, 512},
		{1280, 5120},
	}
	for _, tt := range tests {
		if got := alignedPitch(tt.width); got != tt.want {
			t.Errorf("alignedPitch(%d) = %d, want %d", tt.width, got, tt.want)
		}
	}
}

// =============================================================================
// Swapchain
// =============================================================================

func TestSwapchainRecreatesOnResize(t *testing.T) {
	d := newTestDevice(t)
	surface, err := d.Surfaces().CreateSurface()
	if err != nil {
		t.Fatal(err)
	}
	sc := d.NewSwapchain().(*Swapchain)
	defer sc.Destroy()

	if err := sc.Create(surface, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 64, Height: 48}, ImageCount: 3}); err != nil {
		t.Fatal(err)
	}
	if sc.ImageCount() != 3 {
		t.Errorf("ImageCount() = %d, want 3", sc.ImageCount())
	}
	if recreate, err := sc.AcquireNext(); recreate || err != nil {
		t.Fatalf("AcquireNext() = %v, %v", recreate, err)
	}
	if err := sc.Present(sc.CurrentPresentSemaphore()); err != nil {
		t.Fatal(err)
	}

	resized := gpusched.Extent2D{Width: 32, Height: 32}
	d.SurfaceFactory().Current().Resize(resized)
	if recreate, err := sc.AcquireNext(); !recreate || err != nil {
		t.Fatalf("AcquireNext() after resize = %v, %v", recreate, err)
	}
	if err := sc.Create(surface, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 64, Height: 48}, ImageCount: 2}); err != nil {
		t.Fatal(err)
	}
	if sc.Extent() != resized {
		t.Errorf("Extent() = %v, want surface extent %v", sc.Extent(), resized)
	}

	d.SurfaceFactory().Current().Lose()
	if _, err := sc.AcquireNext(); !errors.Is(err, gpusched.ErrSurfaceLost) {
		t.Errorf("AcquireNext() on lost surface = %v", err)
	}
}

func TestNewFromProviderRejectsNil(t *testing.T) {
	if _, err := NewFromProvider(nil); !errors.Is(err, ErrProvider) {
		t.Errorf("NewFromProvider(nil) = %v, want ErrProvider", err)
	}
	if _, err := New(nil, nil); !errors.Is(err, ErrNilHALDevice) {
		t.Errorf("New(nil, nil) = %v, want ErrNilHALDevice", err)
	}
}

func TestReportLossOnce(t *testing.T) {
	d := newTestDevice(t)
	d.ReportLoss()
	d.ReportLoss()
	if !d.LossReported() {
		t.Error("LossReported() = false")
	}
}
