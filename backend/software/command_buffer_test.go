package software

import (
	"errors"
	"testing"

	"github.com/gogpu/gpusched"
)

func TestCommandBufferRecordsLog(t *testing.T) {
	dev := New()
	img, _ := dev.CreateImage(gpusched.ImageDescriptor{Label: "color", Extent: gpusched.Extent2D{Width: 4, Height: 4}})
	fb, _ := dev.CreateFramebuffer(gpusched.FramebufferDescriptor{
		Label:       "fb",
		Attachments: []gpusched.Image{img},
		Extent:      img.Extent(),
	})

	cb := &CommandBuffer{}
	if err := cb.Begin(); err != nil {
		t.Fatal(err)
	}
	cb.BeginRenderPass(gpusched.RenderPassBegin{RenderPass: fb.RenderPass(), Framebuffer: fb, Area: fb.RenderArea()})
	cb.BindGraphicsPipeline(NewPipeline("fill"))
	cb.Draw(3, 1)
	cb.EndRenderPass()
	cb.PipelineBarrier(gpusched.Barrier{Images: []gpusched.ImageBarrier{{Image: img}}})
	if err := cb.End(); err != nil {
		t.Fatalf("End() = %v", err)
	}

	want := []Op{OpBeginRenderPass, OpBindPipeline, OpDraw, OpEndRenderPass, OpBarrier}
	got := cb.Commands()
	if len(got) != len(want) {
		t.Fatalf("recorded %d commands, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Op != want[i] {
			t.Errorf("command %d = %s, want %s", i, got[i].Op, want[i])
		}
	}
	if got[0].Labels[1] != "fb" || got[4].Labels[0] != "color" {
		t.Errorf("labels = %v, %v", got[0].Labels, got[4].Labels)
	}
	if got[2].Vertices != 3 || got[2].Instances != 1 {
		t.Errorf("draw = %d vertices, %d instances", got[2].Vertices, got[2].Instances)
	}
}

func TestCommandBufferValidation(t *testing.T) {
	img := &Image{desc: gpusched.ImageDescriptor{Label: "img"}}
	pass := gpusched.RenderPassBegin{RenderPass: &RenderPass{label: "rp"}}

	tests := []struct {
		name   string
		record func(cb *CommandBuffer)
	}{
		{"record before begin", func(cb *CommandBuffer) {
			cb.EndRenderPass()
			_ = cb.Begin()
		}},
		{"nested render pass", func(cb *CommandBuffer) {
			_ = cb.Begin()
			cb.BeginRenderPass(pass)
			cb.BeginRenderPass(pass)
		}},
		{"copy inside render pass", func(cb *CommandBuffer) {
			_ = cb.Begin()
			cb.BeginRenderPass(pass)
			cb.CopyImage(img, img, nil)
		}},
		{"draw outside render pass", func(cb *CommandBuffer) {
			_ = cb.Begin()
			cb.Draw(3, 1)
		}},
		{"end render pass without begin", func(cb *CommandBuffer) {
			_ = cb.Begin()
			cb.EndRenderPass()
		}},
		{"end inside render pass", func(cb *CommandBuffer) {
			_ = cb.Begin()
			cb.BeginRenderPass(pass)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := &CommandBuffer{}
			tt.record(cb)
			if err := cb.End(); !errors.Is(err, ErrInvalidUsage) {
				t.Errorf("End() = %v, want ErrInvalidUsage", err)
			}
		})
	}
}

func TestDeviceTracksLiveObjects(t *testing.T) {
	dev := New()
	img, err := dev.CreateImage(gpusched.ImageDescriptor{Label: "a", Extent: gpusched.Extent2D{Width: 1, Height: 1}})
	if err != nil {
		t.Fatal(err)
	}
	sem, _ := dev.CreateSemaphore("s")
	if dev.Live("image") != 1 || dev.Live("semaphore") != 1 {
		t.Fatalf("live image=%d semaphore=%d", dev.Live("image"), dev.Live("semaphore"))
	}
	dev.DestroyImage(img)
	dev.DestroySemaphore(sem)
	if dev.Live("image") != 0 || dev.Live("semaphore") != 0 {
		t.Errorf("live image=%d semaphore=%d after destroy", dev.Live("image"), dev.Live("semaphore"))
	}

	if _, err := dev.CreateImage(gpusched.ImageDescriptor{Label: "empty"}); err == nil {
		t.Error("CreateImage with empty extent succeeded")
	}
}

func TestSwapchainScriptedFailures(t *testing.T) {
	dev := New(WithImageCountRange(2, 3))
	surface, _ := dev.SurfaceFactory().CreateSurface()
	sc := dev.NewSoftwareSwapchain()

	if err := sc.Create(surface, gpusched.SwapchainConfig{Extent: gpusched.Extent2D{Width: 8, Height: 8}, ImageCount: 5}); err != nil {
		t.Fatal(err)
	}
	if sc.ImageCount() != 3 {
		t.Errorf("ImageCount() = %d, want clamp to 3", sc.ImageCount())
	}

	sc.ForceRecreation(1)
	if recreate, err := sc.AcquireNext(); !recreate || err != nil {
		t.Fatalf("AcquireNext() = %v, %v, want needs recreation", recreate, err)
	}
	if recreate, err := sc.AcquireNext(); recreate || err != nil {
		t.Fatalf("AcquireNext() = %v, %v", recreate, err)
	}

	surface.(*Surface).Lose()
	if _, err := sc.AcquireNext(); gpusched.KindOf(err) != gpusched.KindSurfaceRecreation {
		t.Errorf("AcquireNext on lost surface = %v", err)
	}
	if err := sc.Create(surface, gpusched.SwapchainConfig{}); !errors.Is(err, gpusched.ErrSurfaceLost) {
		t.Errorf("Create on lost surface = %v, want ErrSurfaceLost", err)
	}
}
