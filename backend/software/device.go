package software

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/backend"
)

// init registers the software backend on package import.
func init() {
	backend.Register(backend.BackendSoftware, func() (backend.Device, error) {
		return New(), nil
	})
}

// Option configures a Device.
type Option func(*options)

type options struct {
	manual    bool
	blit      bool
	modes     []gpusched.PresentMode
	minImages int
	maxImages int
}

func defaultOptions() options {
	return options{
		blit:      true,
		modes:     []gpusched.PresentMode{gpusched.PresentModeFIFO, gpusched.PresentModeMailbox},
		minImages: 2,
		maxImages: 8,
	}
}

// WithManualRetire keeps submissions in flight until Timeline.Retire.
func WithManualRetire() Option {
	return func(o *options) { o.manual = true }
}

// WithBlitSupport sets whether swapchain images accept blits.
func WithBlitSupport(ok bool) Option {
	return func(o *options) { o.blit = ok }
}

// WithPresentModes sets the present modes swapchains report.
func WithPresentModes(modes ...gpusched.PresentMode) Option {
	return func(o *options) { o.modes = modes }
}

// WithImageCountRange sets the surface's image count limits. A maximum of
// zero means unbounded.
func WithImageCountRange(minCount, maxCount int) Option {
	return func(o *options) {
		o.minImages = minCount
		o.maxImages = maxCount
	}
}

// Image is a CPU image descriptor. It holds no pixels.
type Image struct {
	desc gpusched.ImageDescriptor
}

func (i *Image) Label() string                  { return i.desc.Label }
func (i *Image) Extent() gpusched.Extent2D      { return i.desc.Extent }
func (i *Image) Format() gputypes.TextureFormat { return i.desc.Format }
func (i *Image) Usage() gputypes.TextureUsage   { return i.desc.Usage }

// Buffer is host memory standing in for a GPU buffer.
type Buffer struct {
	label string
	class gpusched.UsageClass
	data  []byte
}

func (b *Buffer) Label() string              { return b.label }
func (b *Buffer) Size() uint64               { return uint64(len(b.data)) }
func (b *Buffer) Class() gpusched.UsageClass { return b.class }
func (b *Buffer) Bytes() []byte              { return b.data }

// RenderPass is a render pass handle.
type RenderPass struct{ label string }

func (r *RenderPass) Label() string { return r.label }

// Framebuffer is a render target over color images.
type Framebuffer struct {
	label  string
	pass   *RenderPass
	images []gpusched.Image
	ranges []gpusched.ImageSubresourceRange
	extent gpusched.Extent2D
}

func (f *Framebuffer) Label() string                            { return f.label }
func (f *Framebuffer) RenderPass() gpusched.RenderPass          { return f.pass }
func (f *Framebuffer) RenderArea() gpusched.Extent2D            { return f.extent }
func (f *Framebuffer) Images() []gpusched.Image                 { return f.images }
func (f *Framebuffer) Ranges() []gpusched.ImageSubresourceRange { return f.ranges }

// Pipeline is a graphics pipeline handle.
type Pipeline struct{ label string }

// NewPipeline creates a pipeline handle.
func NewPipeline(label string) *Pipeline { return &Pipeline{label: label} }

func (p *Pipeline) Label() string { return p.label }

// Device is the software device.
type Device struct {
	opts     options
	timeline *Timeline
	pool     *CommandPool
	surfaces *SurfaceFactory

	mu   sync.Mutex
	live map[string]int

	lossReports atomic.Int32
}

// New creates a software device.
func New(opts ...Option) *Device {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	t := NewTimeline(o.manual)
	return &Device{
		opts:     o,
		timeline: t,
		pool:     NewCommandPool(t),
		surfaces: &SurfaceFactory{},
		live:     make(map[string]int),
	}
}

// Name returns "software".
func (d *Device) Name() string { return backend.BackendSoftware }

// Authority returns the device timeline.
func (d *Device) Authority() gpusched.TickAuthority { return d.timeline }

// Timeline returns the device timeline with its test controls.
func (d *Device) Timeline() *Timeline { return d.timeline }

// CommandPool returns the device command pool.
func (d *Device) CommandPool() gpusched.CommandPool { return d.pool }

// Pool returns the concrete command pool.
func (d *Device) Pool() *CommandPool { return d.pool }

// Surfaces returns the surface factory.
func (d *Device) Surfaces() gpusched.SurfaceFactory { return d.surfaces }

// SurfaceFactory returns the concrete surface factory.
func (d *Device) SurfaceFactory() *SurfaceFactory { return d.surfaces }

// NewSwapchain returns an uncreated swapchain.
func (d *Device) NewSwapchain() gpusched.Swapchain { return d.NewSoftwareSwapchain() }

// NewSoftwareSwapchain returns an uncreated concrete swapchain.
func (d *Device) NewSoftwareSwapchain() *Swapchain { return newSwapchain(d) }

// Close is a no-op; the software device owns no external resources.
func (d *Device) Close() {}

// CreateImage creates an image descriptor.
func (d *Device) CreateImage(desc gpusched.ImageDescriptor) (gpusched.Image, error) {
	if desc.Extent.Empty() {
		return nil, fmt.Errorf("%w: image %q has empty extent", gpusched.ErrUnexpected, desc.Label)
	}
	d.track("image", 1)
	return &Image{desc: desc}, nil
}

// DestroyImage releases an image.
func (d *Device) DestroyImage(img gpusched.Image) {
	if img != nil {
		d.track("image", -1)
	}
}

// CreateBuffer allocates host memory of desc.Size bytes.
func (d *Device) CreateBuffer(desc gpusched.BufferDescriptor, class gpusched.UsageClass) (gpusched.Buffer, error) {
	d.track("buffer", 1)
	return &Buffer{label: desc.Label, class: class, data: make([]byte, desc.Size)}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(buf gpusched.Buffer) {
	if buf != nil {
		d.track("buffer", -1)
	}
}

// CreateFramebuffer creates a framebuffer with its own render pass.
func (d *Device) CreateFramebuffer(desc gpusched.FramebufferDescriptor) (gpusched.Framebuffer, error) {
	if len(desc.Attachments) == 0 {
		return nil, fmt.Errorf("%w: framebuffer %q has no attachments", gpusched.ErrUnexpected, desc.Label)
	}
	fb := &Framebuffer{
		label:  desc.Label,
		pass:   &RenderPass{label: desc.Label + "_pass"},
		images: append([]gpusched.Image(nil), desc.Attachments...),
		ranges: make([]gpusched.ImageSubresourceRange, len(desc.Attachments)),
		extent: desc.Extent,
	}
	for i := range fb.ranges {
		fb.ranges[i] = gpusched.ColorRange
	}
	d.track("framebuffer", 1)
	return fb, nil
}

// DestroyFramebuffer releases a framebuffer.
func (d *Device) DestroyFramebuffer(fb gpusched.Framebuffer) {
	if fb != nil {
		d.track("framebuffer", -1)
	}
}

// CreateSemaphore creates an unsignaled binary semaphore.
func (d *Device) CreateSemaphore(label string) (gpusched.Semaphore, error) {
	d.track("semaphore", 1)
	return NewSemaphore(label), nil
}

// DestroySemaphore releases a semaphore.
func (d *Device) DestroySemaphore(s gpusched.Semaphore) {
	if s != nil {
		d.track("semaphore", -1)
	}
}

// CreateFence creates a fence in the given state.
func (d *Device) CreateFence(label string, signaled bool) (gpusched.GPUFence, error) {
	d.track("fence", 1)
	return newFence(label, signaled, d.timeline), nil
}

// DestroyFence releases a fence.
func (d *Device) DestroyFence(f gpusched.GPUFence) {
	if f != nil {
		d.track("fence", -1)
	}
}

// SupportsBlit reports the configured blit support.
func (d *Device) SupportsBlit(gputypes.TextureFormat) bool { return d.opts.blit }

// WaitIdle waits until the timeline has nothing in flight.
func (d *Device) WaitIdle() error { return d.timeline.WaitIdle() }

// ReportLoss counts device loss reports.
func (d *Device) ReportLoss() { d.lossReports.Add(1) }

// LossReports returns how many times loss was reported.
func (d *Device) LossReports() int { return int(d.lossReports.Load()) }

// Live returns how many objects of kind ("image", "buffer", "framebuffer",
// "semaphore", "fence") are alive.
func (d *Device) Live(kind string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[kind]
}

func (d *Device) track(kind string, delta int) {
	d.mu.Lock()
	d.live[kind] += delta
	d.mu.Unlock()
}
