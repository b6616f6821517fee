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

// bytesPerPixel is the texel size of the 8-bit RGBA and BGRA formats the
// backend copies.
const bytesPerPixel = 4

// copyPitchAlignment is the row alignment texture-to-buffer copies require.
const copyPitchAlignment = 256

// alignedPitch returns the padded row size of a copy width pixels wide.
func alignedPitch(width uint32) uint32 {
	return (width*bytesPerPixel + copyPitchAlignment - 1) &^ (copyPitchAlignment - 1)
}

// HalPipeline is implemented by pipelines that wrap a HAL render pipeline.
type HalPipeline interface {
	gpusched.Pipeline
	HalPipeline() hal.RenderPipeline
}

type cbState uint8

const (
	cbInitial cbState = iota
	cbRecording
	cbExecutable
	cbSubmitted
)

// CommandBuffer records into a HAL command encoder. The encoder is created
// on Begin and the finished HAL buffer is freed when the pool recycles the
// buffer.
//
// Recording errors are sticky: the first one is returned by End and the
// encoding is discarded.
type CommandBuffer struct {
	id     int
	device hal.Device

	mu       sync.Mutex
	state    cbState
	encoder  hal.CommandEncoder
	pass     hal.RenderPassEncoder
	pipeline hal.RenderPipeline
	finished hal.CommandBuffer
	err      error
}

func (cb *CommandBuffer) label() string { return fmt.Sprintf("gpusched_cmd%d", cb.id) }

// ID returns the buffer's allocation number, stable across reuse.
func (cb *CommandBuffer) ID() int { return cb.id }

// Begin creates the encoder and starts recording.
func (cb *CommandBuffer) Begin() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != cbInitial {
		return fmt.Errorf("%w: Begin on %s buffer %d", ErrInvalidUsage, cb.stateName(), cb.id)
	}
	enc, err := cb.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: cb.label()})
	if err != nil {
		return fmt.Errorf("native: create command encoder: %w", err)
	}
	if err := enc.BeginEncoding(cb.label()); err != nil {
		return fmt.Errorf("native: begin encoding: %w", err)
	}
	cb.encoder = enc
	cb.state = cbRecording
	return nil
}

// End finishes recording. It returns the first recording error, if any.
func (cb *CommandBuffer) End() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != cbRecording {
		return fmt.Errorf("%w: End on %s buffer %d", ErrInvalidUsage, cb.stateName(), cb.id)
	}
	if cb.pass != nil {
		cb.pass.End()
		cb.pass = nil
		cb.failLocked(fmt.Errorf("%w: End with an open render pass", ErrInvalidUsage))
	}
	if cb.err != nil {
		cb.encoder.DiscardEncoding()
		cb.encoder = nil
		cb.state = cbInitial
		err := cb.err
		cb.err = nil
		return err
	}

	finished, err := cb.encoder.EndEncoding()
	if err != nil {
		cb.encoder = nil
		cb.state = cbInitial
		return fmt.Errorf("native: end encoding: %w", err)
	}
	cb.finished = finished
	cb.encoder = nil
	cb.state = cbExecutable
	return nil
}

// BeginRenderPass starts a render pass over the framebuffer's views. The
// attachments are loaded and stored so passes split by the scheduler
// continue each other's output.
func (cb *CommandBuffer) BeginRenderPass(rp gpusched.RenderPassBegin) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("BeginRenderPass") {
		return
	}
	if cb.pass != nil {
		cb.failLocked(fmt.Errorf("%w: nested render pass", ErrInvalidUsage))
		return
	}
	fb, ok := rp.Framebuffer.(*Framebuffer)
	if !ok {
		cb.failLocked(fmt.Errorf("%w: framebuffer %T", ErrForeignObject, rp.Framebuffer))
		return
	}

	attachments := make([]hal.RenderPassColorAttachment, 0, len(fb.images))
	for _, img := range fb.images {
		view, err := img.View()
		if err != nil {
			cb.failLocked(err)
			return
		}
		attachments = append(attachments, hal.RenderPassColorAttachment{
			View:       view,
			LoadOp:     gputypes.LoadOpLoad,
			StoreOp:    gputypes.StoreOpStore,
			ClearValue: gputypes.Color{},
		})
	}
	cb.pass = cb.encoder.BeginRenderPass(&hal.RenderPassDescriptor{
		Label:            fb.pass.label,
		ColorAttachments: attachments,
	})
	if cb.pipeline != nil {
		cb.pass.SetPipeline(cb.pipeline)
	}
}

// EndRenderPass ends the open render pass.
func (cb *CommandBuffer) EndRenderPass() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("EndRenderPass") {
		return
	}
	if cb.pass == nil {
		cb.failLocked(fmt.Errorf("%w: EndRenderPass outside a render pass", ErrInvalidUsage))
		return
	}
	cb.pass.End()
	cb.pass = nil
}

// BindGraphicsPipeline sets the pipeline on the open pass. Outside a pass
// the pipeline is applied when the next pass begins.
func (cb *CommandBuffer) BindGraphicsPipeline(p gpusched.Pipeline) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("BindGraphicsPipeline") {
		return
	}
	hp, ok := p.(HalPipeline)
	if !ok || hp.HalPipeline() == nil {
		cb.failLocked(fmt.Errorf("%w: pipeline %T", ErrForeignObject, p))
		return
	}
	cb.pipeline = hp.HalPipeline()
	if cb.pass != nil {
		cb.pass.SetPipeline(cb.pipeline)
	}
}

// Draw records a non-indexed draw with the bound pipeline.
func (cb *CommandBuffer) Draw(vertices, instances uint32) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("Draw") {
		return
	}
	if cb.pass == nil || cb.pipeline == nil {
		cb.failLocked(fmt.Errorf("%w: Draw needs an open render pass and a bound pipeline", ErrInvalidUsage))
		return
	}
	cb.pass.Draw(vertices, instances, 0, 0)
}

// PipelineBarrier records texture usage transitions for the image
// barriers. Memory barriers have no HAL counterpart; the HAL tracks buffer
// usage itself. Barriers on readback images are dropped since those are
// buffers underneath.
func (cb *CommandBuffer) PipelineBarrier(b gpusched.Barrier) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("PipelineBarrier") {
		return
	}
	if cb.pass != nil {
		cb.failLocked(fmt.Errorf("%w: barrier inside a render pass", ErrInvalidUsage))
		return
	}

	barriers := make([]hal.TextureBarrier, 0, len(b.Images))
	for _, ib := range b.Images {
		switch img := ib.Image.(type) {
		case *Image:
			barriers = append(barriers, hal.TextureBarrier{
				Texture: img.texture,
				Usage: hal.TextureUsageTransition{
					OldUsage: layoutUsage(ib.OldLayout),
					NewUsage: layoutUsage(ib.NewLayout),
				},
			})
		case *ReadbackImage:
		default:
			cb.failLocked(fmt.Errorf("%w: image %T", ErrForeignObject, ib.Image))
			return
		}
	}
	if len(barriers) > 0 {
		cb.encoder.TransitionTextures(barriers)
	}
}

// CopyImage copies texture regions into a readback image. Copies between
// two textures are not exposed by the HAL and fail the buffer.
func (cb *CommandBuffer) CopyImage(src, dst gpusched.Image, regions []gpusched.ImageCopy) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.recordingLocked("CopyImage") {
		return
	}
	if cb.pass != nil {
		cb.failLocked(fmt.Errorf("%w: copy inside a render pass", ErrInvalidUsage))
		return
	}
	s, ok := src.(*Image)
	if !ok {
		cb.failLocked(fmt.Errorf("%w: copy source %T", ErrForeignObject, src))
		return
	}
	d, ok := dst.(*ReadbackImage)
	if !ok {
		cb.failLocked(fmt.Errorf("%w: copy into %T", ErrUnsupported, dst))
		return
	}

	copies := make([]hal.BufferTextureCopy, 0, len(regions))
	for _, r := range regions {
		if r.Extent.Empty() {
			continue
		}
		offset := uint64(r.DstOffset.Y)*uint64(d.pitch) + uint64(r.DstOffset.X)*bytesPerPixel
		copies = append(copies, hal.BufferTextureCopy{
			BufferLayout: hal.ImageDataLayout{
				Offset:       offset,
				BytesPerRow:  d.pitch,
				RowsPerImage: d.extent.Height,
			},
			TextureBase: hal.ImageCopyTexture{
				Texture:  s.texture,
				MipLevel: 0,
				Origin:   hal.Origin3D{X: uint32(r.SrcOffset.X), Y: uint32(r.SrcOffset.Y)},
			},
			Size: hal.Extent3D{Width: r.Extent.Width, Height: r.Extent.Height, DepthOrArrayLayers: 1},
		})
	}
	if len(copies) > 0 {
		cb.encoder.CopyTextureToBuffer(s.texture, d.buffer, copies)
	}
}

// BlitImage is not exposed by the HAL. Devices report no blit support, so
// callers fall back to CopyImage.
func (cb *CommandBuffer) BlitImage(_, _ gpusched.Image, _ []gpusched.ImageBlit, _ gpusched.Filter) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.recordingLocked("BlitImage") {
		cb.failLocked(fmt.Errorf("%w: blit", ErrUnsupported))
	}
}

// markSubmitted returns the finished HAL buffer for submission.
func (cb *CommandBuffer) markSubmitted() (hal.CommandBuffer, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != cbExecutable {
		return nil, fmt.Errorf("%w: submit of %s buffer %d", ErrInvalidUsage, cb.stateName(), cb.id)
	}
	cb.state = cbSubmitted
	return cb.finished, nil
}

// reset frees the HAL buffer and returns cb to the initial state. The
// submission that used it must have retired.
func (cb *CommandBuffer) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.encoder != nil {
		cb.encoder.DiscardEncoding()
		cb.encoder = nil
	}
	if cb.finished != nil {
		cb.device.FreeCommandBuffer(cb.finished)
		cb.finished = nil
	}
	cb.pass = nil
	cb.pipeline = nil
	cb.err = nil
	cb.state = cbInitial
}

func (cb *CommandBuffer) recordingLocked(op string) bool {
	if cb.state == cbRecording {
		return true
	}
	cb.failLocked(fmt.Errorf("%w: %s on %s buffer %d", ErrInvalidUsage, op, cb.stateName(), cb.id))
	return false
}

func (cb *CommandBuffer) failLocked(err error) {
	if cb.err == nil {
		cb.err = err
	}
}

func (cb *CommandBuffer) stateName() string {
	switch cb.state {
	case cbInitial:
		return "initial"
	case cbRecording:
		return "recording"
	case cbExecutable:
		return "executable"
	default:
		return "submitted"
	}
}

// layoutUsage maps an image layout to the texture usage the HAL tracks.
func layoutUsage(l gpusched.ImageLayout) gputypes.TextureUsage {
	switch l {
	case gpusched.LayoutGeneral, gpusched.LayoutColorAttachment,
		gpusched.LayoutDepthStencilAttachment, gpusched.LayoutPresentSrc:
		return gputypes.TextureUsageRenderAttachment
	case gpusched.LayoutShaderReadOnly:
		return gputypes.TextureUsageTextureBinding
	case gpusched.LayoutTransferSrc:
		return gputypes.TextureUsageCopySrc
	case gpusched.LayoutTransferDst:
		return gputypes.TextureUsageCopyDst
	default:
		return 0
	}
}
