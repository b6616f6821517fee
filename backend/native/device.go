// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package native

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/backend"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// init registers the native backend on package import.
func init() {
	backend.Register(backend.BackendNative, func() (backend.Device, error) {
		return Open()
	})
}

// Option configures a Device.
type Option func(*options)

type options struct {
	poll      time.Duration
	budget    uint64
	pipelines int
	extent    gpusched.Extent2D
	logger    *slog.Logger
}

func defaultOptions() options {
	return options{
		poll:      100 * time.Millisecond,
		budget:    DefaultMemoryBudgetMB * 1024 * 1024,
		pipelines: DefaultPipelineCacheSize,
	}
}

// WithPollInterval sets how long a single HAL wait may block before the
// waiter checks for timeline failure.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// WithMemoryBudget limits the bytes of images and buffers the device may
// hold at once.
func WithMemoryBudget(bytes uint64) Option {
	return func(o *options) { o.budget = bytes }
}

// WithPipelineCacheSize sets the soft limit of the fill pipeline cache.
// Zero means unlimited.
func WithPipelineCacheSize(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.pipelines = n
		}
	}
}

// WithSurfaceExtent sets the size of headless surfaces. Without it a
// surface takes the extent of the first swapchain created on it.
func WithSurfaceExtent(e gpusched.Extent2D) Option {
	return func(o *options) { o.extent = e }
}

// WithLogger sets the device logger. Without it the device logs through
// gpusched.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Device drives the scheduler and the present manager on a HAL device and
// queue.
type Device struct {
	device hal.Device
	queue  hal.Queue
	// release tears down the instance and device when the Device opened
	// them itself. Nil for shared devices.
	release func()

	opts     options
	log      *slog.Logger
	timeline *Timeline
	pool     *CommandPool
	surfaces *SurfaceFactory
	memory   budget
	fills    *pipelineCache

	lossReported atomic.Bool
	closed       atomic.Bool
}

// New creates a device over an existing HAL device and queue. The caller
// keeps ownership of both.
func New(device hal.Device, queue hal.Queue, opts ...Option) (*Device, error) {
	return newDevice(device, queue, nil, opts)
}

// NewFromProvider shares the device of a host application. The provider
// must implement HalDevice() any and HalQueue() any returning hal.Device
// and hal.Queue.
func NewFromProvider(provider gpucontext.DeviceProvider, opts ...Option) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := provider.(halProvider)
	if !ok {
		return nil, ErrProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is %T", ErrProvider, hp.HalDevice())
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is %T", ErrProvider, hp.HalQueue())
	}
	return newDevice(device, queue, nil, opts)
}

// openInstance returns a Vulkan instance with at least one adapter, or a
// noop instance when Vulkan is unavailable.
func openInstance() (hal.Instance, []hal.ExposedAdapter, error) {
	if api, ok := hal.GetBackend(gputypes.BackendVulkan); ok {
		instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
		if err == nil {
			if adapters := instance.EnumerateAdapters(nil); len(adapters) > 0 {
				return instance, adapters, nil
			}
			instance.Destroy()
		}
	}

	var api noop.API
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("native: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, nil, ErrNoGPU
	}
	return instance, adapters, nil
}

// Open creates a device on the first Vulkan adapter, preferring discrete
// and integrated GPUs. Without Vulkan it falls back to the HAL's noop
// backend, which accepts every command and executes none.
func Open(opts ...Option) (*Device, error) {
	instance, adapters, err := openInstance()
	if err != nil {
		return nil, err
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("native: open device: %w", err)
	}
	release := func() {
		openDev.Device.Destroy()
		instance.Destroy()
	}
	d, err := newDevice(openDev.Device, openDev.Queue, release, opts)
	if err != nil {
		release()
		return nil, err
	}
	d.log.Info("native: device opened", "adapter", selected.Info.Name)
	return d, nil
}

func newDevice(device hal.Device, queue hal.Queue, release func(), opts []Option) (*Device, error) {
	if device == nil || queue == nil {
		return nil, ErrNilHALDevice
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = gpusched.Logger()
	}
	t, err := newTimeline(device, queue, o.poll, log)
	if err != nil {
		return nil, err
	}
	d := &Device{
		device:   device,
		queue:    queue,
		release:  release,
		opts:     o,
		log:      log,
		timeline: t,
		pool:     newCommandPool(device, t),
		surfaces: &SurfaceFactory{extent: o.extent},
		memory:   budget{total: o.budget},
	}
	d.fills = newPipelineCache(d, o.pipelines)
	return d, nil
}

// Name returns "native".
func (d *Device) Name() string { return backend.BackendNative }

// Authority returns the device timeline.
func (d *Device) Authority() gpusched.TickAuthority { return d.timeline }

// Timeline returns the concrete timeline.
func (d *Device) Timeline() *Timeline { return d.timeline }

// CommandPool returns the device command pool.
func (d *Device) CommandPool() gpusched.CommandPool { return d.pool }

// Pool returns the concrete command pool.
func (d *Device) Pool() *CommandPool { return d.pool }

// Surfaces returns the headless surface factory.
func (d *Device) Surfaces() gpusched.SurfaceFactory { return d.surfaces }

// SurfaceFactory returns the concrete surface factory.
func (d *Device) SurfaceFactory() *SurfaceFactory { return d.surfaces }

// NewSwapchain returns an uncreated readback swapchain.
func (d *Device) NewSwapchain() gpusched.Swapchain { return newSwapchain(d) }

// HalDevice returns the HAL device.
func (d *Device) HalDevice() hal.Device { return d.device }

// MemoryStats returns the device's allocation statistics.
func (d *Device) MemoryStats() MemoryStats { return d.memory.stats() }

// CreateImage creates a 2D single-sampled texture.
func (d *Device) CreateImage(desc gpusched.ImageDescriptor) (gpusched.Image, error) {
	if desc.Extent.Empty() {
		return nil, fmt.Errorf("%w: image %q is %s", ErrInvalidDimensions, desc.Label, desc.Extent)
	}
	size := uint64(desc.Extent.Width) * uint64(desc.Extent.Height) * bytesPerPixel
	if err := d.memory.reserve(size, true); err != nil {
		return nil, err
	}
	tex, err := d.device.CreateTexture(&hal.TextureDescriptor{
		Label:         desc.Label,
		Size:          hal.Extent3D{Width: desc.Extent.Width, Height: desc.Extent.Height, DepthOrArrayLayers: 1},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage,
	})
	if err != nil {
		d.memory.release(size, true)
		return nil, fmt.Errorf("native: create image %q: %w", desc.Label, err)
	}
	return &Image{device: d.device, desc: desc, texture: tex, size: size}, nil
}

// DestroyImage releases an image and its view.
func (d *Device) DestroyImage(img gpusched.Image) {
	i, ok := img.(*Image)
	if !ok || i.texture == nil {
		return
	}
	i.destroy()
	d.memory.release(i.size, true)
}

// CreateBuffer creates a buffer with the host access flags of class.
func (d *Device) CreateBuffer(desc gpusched.BufferDescriptor, class gpusched.UsageClass) (gpusched.Buffer, error) {
	if err := d.memory.reserve(desc.Size, false); err != nil {
		return nil, err
	}
	buf, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: bufferUsage(desc.Usage, class),
	})
	if err != nil {
		d.memory.release(desc.Size, false)
		return nil, fmt.Errorf("native: create buffer %q: %w", desc.Label, err)
	}
	return &Buffer{label: desc.Label, size: desc.Size, class: class, buffer: buf}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(buf gpusched.Buffer) {
	b, ok := buf.(*Buffer)
	if !ok || b.buffer == nil {
		return
	}
	d.device.DestroyBuffer(b.buffer)
	b.buffer = nil
	d.memory.release(b.size, false)
}

// CreateFramebuffer groups native images into a render target.
func (d *Device) CreateFramebuffer(desc gpusched.FramebufferDescriptor) (gpusched.Framebuffer, error) {
	if len(desc.Attachments) == 0 {
		return nil, fmt.Errorf("%w: framebuffer %q has no attachments", ErrInvalidUsage, desc.Label)
	}
	fb := &Framebuffer{
		label:  desc.Label,
		pass:   &RenderPass{label: desc.Label + "_pass"},
		extent: desc.Extent,
	}
	for _, a := range desc.Attachments {
		img, ok := a.(*Image)
		if !ok {
			return nil, fmt.Errorf("%w: attachment %T", ErrForeignObject, a)
		}
		fb.images = append(fb.images, img)
	}
	return fb, nil
}

// DestroyFramebuffer is a no-op; framebuffers own no HAL objects.
func (d *Device) DestroyFramebuffer(gpusched.Framebuffer) {}

// CreateSemaphore creates a semaphore handle.
func (d *Device) CreateSemaphore(label string) (gpusched.Semaphore, error) {
	return &Semaphore{label: label}, nil
}

// DestroySemaphore is a no-op.
func (d *Device) DestroySemaphore(gpusched.Semaphore) {}

// CreateFence creates a fence in the given state.
func (d *Device) CreateFence(label string, signaled bool) (gpusched.GPUFence, error) {
	return newFence(label, signaled, d.timeline)
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(f gpusched.GPUFence) {
	if nf, ok := f.(*Fence); ok {
		nf.destroy()
	}
}

// SupportsBlit reports false: the HAL records no scaling copies.
func (d *Device) SupportsBlit(gputypes.TextureFormat) bool { return false }

// WaitIdle waits until every submission has retired, then destroys fill
// pipelines evicted from the cache.
func (d *Device) WaitIdle() error {
	if err := d.timeline.WaitIdle(); err != nil {
		return err
	}
	d.fills.destroyRetired()
	return nil
}

// ReportLoss logs device loss once.
func (d *Device) ReportLoss() {
	if d.lossReported.CompareAndSwap(false, true) {
		d.log.Error("native: device lost", "err", d.timeline.Err())
	}
}

// LossReported reports whether ReportLoss was called.
func (d *Device) LossReported() bool { return d.lossReported.Load() }

// Close frees pooled command buffers and the timeline fence, and destroys
// the HAL device when Open created it. The device must be idle.
func (d *Device) Close() {
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.pool.destroy()
	d.fills.destroy()
	d.timeline.destroy()
	if d.release != nil {
		d.release()
	}
}
