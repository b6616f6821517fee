package present

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusched"
)

// Frame is one slot of buffered presentation resources: an intermediate
// render target, the semaphore the render submission signals when the
// target is complete, and the fence the copy submission signals when the
// slot may be reused.
//
// A Frame cycles Free -> Rendering -> Queued -> Copying -> Free. The caller
// owns it between GetRenderFrame and Present.
type Frame struct {
	index       int
	extent      gpusched.Extent2D
	image       gpusched.Image
	framebuffer gpusched.Framebuffer
	renderReady gpusched.Semaphore
	presentDone gpusched.GPUFence

	// copyCmd is the last copy submission, in flight until presentDone
	// signals. Nil when no copy is outstanding.
	copyCmd gpusched.CommandBuffer
	// copied is set once this present's copy reached the queue, so a
	// retry does not wait on renderReady a second time.
	copied bool
}

// Index returns the frame's slot number.
func (f *Frame) Index() int { return f.index }

// Extent returns the size of the frame's render target.
func (f *Frame) Extent() gpusched.Extent2D { return f.extent }

// Image returns the render target.
func (f *Frame) Image() gpusched.Image { return f.image }

// Framebuffer returns the framebuffer over the render target.
func (f *Frame) Framebuffer() gpusched.Framebuffer { return f.framebuffer }

// RenderReady returns the semaphore the render submission must signal,
// typically through Scheduler.Flush(frame.RenderReady(), nil).
func (f *Frame) RenderReady() gpusched.Semaphore { return f.renderReady }

// newFrame creates the sync objects and render target of slot index.
func (m *Manager) newFrame(index int, extent gpusched.Extent2D) (*Frame, error) {
	label := fmt.Sprintf("present_frame%d", index)
	f := &Frame{index: index}

	var err error
	if f.renderReady, err = m.dev.CreateSemaphore(label + "_render_ready"); err != nil {
		return nil, fmt.Errorf("present: frame %d: %w", index, err)
	}
	if f.presentDone, err = m.dev.CreateFence(label+"_present_done", true); err != nil {
		m.dev.DestroySemaphore(f.renderReady)
		return nil, fmt.Errorf("present: frame %d: %w", index, err)
	}
	if err := m.createTarget(f, extent); err != nil {
		m.dev.DestroyFence(f.presentDone)
		m.dev.DestroySemaphore(f.renderReady)
		return nil, err
	}
	return f, nil
}

// createTarget creates the frame's image and framebuffer at extent.
func (m *Manager) createTarget(f *Frame, extent gpusched.Extent2D) error {
	label := fmt.Sprintf("present_frame%d", f.index)
	img, err := m.dev.CreateImage(gpusched.ImageDescriptor{
		Label:  label,
		Extent: extent,
		Format: m.sc.ImageFormat(),
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return fmt.Errorf("present: frame %d image: %w", f.index, err)
	}
	fb, err := m.dev.CreateFramebuffer(gpusched.FramebufferDescriptor{
		Label:       label + "_fb",
		Attachments: []gpusched.Image{img},
		Extent:      extent,
	})
	if err != nil {
		m.dev.DestroyImage(img)
		return fmt.Errorf("present: frame %d framebuffer: %w", f.index, err)
	}
	f.image, f.framebuffer, f.extent = img, fb, extent
	return nil
}

func (m *Manager) destroyTarget(f *Frame) {
	if f.framebuffer != nil {
		m.dev.DestroyFramebuffer(f.framebuffer)
		f.framebuffer = nil
	}
	if f.image != nil {
		m.dev.DestroyImage(f.image)
		f.image = nil
	}
}

// destroyFrame waits for the frame's last copy and releases everything it
// owns.
func (m *Manager) destroyFrame(f *Frame) error {
	var err error
	if f.copyCmd != nil {
		_, err = f.presentDone.Wait(-1)
		m.releaseCopy(f)
	}
	m.destroyTarget(f)
	m.dev.DestroyFence(f.presentDone)
	m.dev.DestroySemaphore(f.renderReady)
	if err != nil && !errors.Is(err, gpusched.ErrDeviceLost) {
		return fmt.Errorf("present: destroy frame %d: %w", f.index, err)
	}
	return nil
}

// releaseCopy returns the frame's finished copy buffer to the pool.
// presentDone must be signaled.
func (m *Manager) releaseCopy(f *Frame) {
	if f.copyCmd != nil {
		m.pool.Release(0, f.copyCmd)
		f.copyCmd = nil
	}
}

// RecreateFrame rebuilds the frame's render target at extent. The caller
// must own the frame, between GetRenderFrame and Present.
func (m *Manager) RecreateFrame(f *Frame, extent gpusched.Extent2D) error {
	if f.extent == extent && f.image != nil {
		return nil
	}
	m.destroyTarget(f)
	if err := m.createTarget(f, extent); err != nil {
		return err
	}
	m.log.Debug("present: frame recreated", "frame", f.index, "extent", extent)
	return nil
}
