// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusched"
)

// Image is a 2D HAL texture with a lazily created default view.
//
// Thread Safety:
// View is safe for concurrent use; the view is created once with
// sync.Once. Destroy goes through the device and must happen once, after
// the last submission using the image has retired.
type Image struct {
	device  hal.Device
	desc    gpusched.ImageDescriptor
	texture hal.Texture
	size    uint64

	viewOnce sync.Once
	view     hal.TextureView
	viewErr  error
}

func (i *Image) Label() string                  { return i.desc.Label }
func (i *Image) Extent() gpusched.Extent2D      { return i.desc.Extent }
func (i *Image) Format() gputypes.TextureFormat { return i.desc.Format }

// Texture returns the HAL texture.
func (i *Image) Texture() hal.Texture { return i.texture }

// View returns the image's default view, creating it on first use.
func (i *Image) View() (hal.TextureView, error) {
	i.viewOnce.Do(func() {
		i.view, i.viewErr = i.device.CreateTextureView(i.texture, &hal.TextureViewDescriptor{
			Label: i.desc.Label + "_view",
		})
		if i.viewErr != nil {
			i.viewErr = fmt.Errorf("native: create view of %q: %w", i.desc.Label, i.viewErr)
		}
	})
	return i.view, i.viewErr
}

func (i *Image) destroy() {
	if i.view != nil {
		i.device.DestroyTextureView(i.view)
		i.view = nil
	}
	if i.texture != nil {
		i.device.DestroyTexture(i.texture)
		i.texture = nil
	}
}

// Buffer is a HAL buffer.
type Buffer struct {
	label  string
	size   uint64
	class  gpusched.UsageClass
	buffer hal.Buffer
}

func (b *Buffer) Label() string { return b.label }
func (b *Buffer) Size() uint64  { return b.size }

// Class returns the usage class the buffer was allocated with.
func (b *Buffer) Class() gpusched.UsageClass { return b.class }

// HalBuffer returns the HAL buffer.
func (b *Buffer) HalBuffer() hal.Buffer { return b.buffer }

// RenderPass is a render pass handle. The HAL begins passes from
// descriptors, so the handle only names the attachment set.
type RenderPass struct{ label string }

func (r *RenderPass) Label() string { return r.label }

// Framebuffer is a render target over native images.
type Framebuffer struct {
	label  string
	pass   *RenderPass
	images []*Image
	extent gpusched.Extent2D
}

func (f *Framebuffer) Label() string                   { return f.label }
func (f *Framebuffer) RenderPass() gpusched.RenderPass { return f.pass }
func (f *Framebuffer) RenderArea() gpusched.Extent2D   { return f.extent }

func (f *Framebuffer) Images() []gpusched.Image {
	out := make([]gpusched.Image, len(f.images))
	for i, img := range f.images {
		out[i] = img
	}
	return out
}

func (f *Framebuffer) Ranges() []gpusched.ImageSubresourceRange {
	out := make([]gpusched.ImageSubresourceRange, len(f.images))
	for i := range out {
		out[i] = gpusched.ColorRange
	}
	return out
}

// bufferUsage adds the host access flags a usage class needs.
func bufferUsage(usage gputypes.BufferUsage, class gpusched.UsageClass) gputypes.BufferUsage {
	switch class {
	case gpusched.UsageUpload, gpusched.UsageStream:
		return usage | gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc
	case gpusched.UsageDownload:
		return usage | gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst
	default:
		return usage
	}
}
