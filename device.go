package gpusched

import (
	"time"

	"github.com/gogpu/gputypes"
)

// Image is a GPU image owned by a backend.
type Image interface {
	Label() string
	Extent() Extent2D
	Format() gputypes.TextureFormat
}

// Buffer is a GPU buffer owned by a backend.
type Buffer interface {
	Label() string
	Size() uint64
}

// RenderPass is an opaque render pass handle. Handles are compared by
// identity, so backends return pointers.
type RenderPass interface {
	Label() string
}

// Framebuffer is a render target supplied by a framebuffer cache: a render
// pass, its attachments and the area drawn into. Images and Ranges have the
// same length and are used to generate layout barriers when the pass ends.
type Framebuffer interface {
	Label() string
	RenderPass() RenderPass
	RenderArea() Extent2D
	Images() []Image
	Ranges() []ImageSubresourceRange
}

// Pipeline is an opaque graphics pipeline handle, compared by identity.
type Pipeline interface {
	Label() string
}

// Semaphore is a binary GPU semaphore used to order queue operations.
type Semaphore interface {
	Label() string
}

// GPUFence is a CPU-waitable fence signaled by a queue submission.
type GPUFence interface {
	// Wait blocks until the fence is signaled or the timeout elapses.
	// A negative timeout waits forever. It reports whether the fence
	// was signaled.
	Wait(timeout time.Duration) (bool, error)
	// Reset returns the fence to the unsignaled state.
	Reset() error
	// Signaled reports the current state without blocking.
	Signaled() bool
}

// RenderPassBegin describes a render pass instance.
type RenderPassBegin struct {
	RenderPass  RenderPass
	Framebuffer Framebuffer
	Area        Extent2D
}

// CommandBuffer records GPU commands.
//
// Recording methods do not return errors; the first recording failure is
// kept and returned by End. A command buffer is used by one goroutine at a
// time.
type CommandBuffer interface {
	Begin() error
	End() error

	BeginRenderPass(rp RenderPassBegin)
	EndRenderPass()
	BindGraphicsPipeline(p Pipeline)
	PipelineBarrier(b Barrier)
	CopyImage(src, dst Image, regions []ImageCopy)
	BlitImage(src, dst Image, regions []ImageBlit, filter Filter)
}

// CommandPool hands out command buffers and reclaims them once the GPU has
// retired the submission that used them.
type CommandPool interface {
	// Allocate returns a fresh command buffer that has not begun recording.
	Allocate() (CommandBuffer, error)
	// Release hands submitted buffers back to the pool. They are reused only
	// after tick completes.
	Release(tick Tick, bufs ...CommandBuffer)
}

// Submission is one queue submission.
type Submission struct {
	// Upload is submitted before Primary. May be nil.
	Upload  CommandBuffer
	Primary CommandBuffer

	// Wait semaphores are waited on at the transfer stage and later.
	Wait []Semaphore
	// Signal semaphores are signaled when the submission retires.
	Signal []Semaphore

	// Tick is the timeline value the submission signals. Zero means the
	// submission does not advance the timeline; it must then signal Fence.
	Tick Tick
	// Fence, when set, is signaled when the submission retires.
	Fence GPUFence
}

// TickAuthority is the monotonic GPU timeline shared by the scheduler, the
// fence manager and the present manager.
//
// Ticks are reserved in submission order. IsCompleted(t2) implies
// IsCompleted(t1) for every t1 < t2.
type TickAuthority interface {
	// ReserveNext returns the next tick and advances the reservation counter.
	ReserveNext() Tick
	// PeekNext returns the tick the next reservation will return.
	PeekNext() Tick
	// Submit hands work to the queue. Submissions must arrive in tick order.
	// A failed Submit leaves the timeline failed, as if Fail had been called.
	Submit(s Submission) error
	// Fail marks the timeline unusable. Every blocked and future BlockUntil
	// for an incomplete tick returns err. Only the first call has an effect.
	Fail(err error)
	// IsCompleted reports whether tick has been reached.
	IsCompleted(tick Tick) bool
	// BlockUntil waits until tick has been reached. It returns
	// ErrDeviceLost if the device is lost while waiting.
	BlockUntil(tick Tick) error
	// LatestCompleted returns the highest completed tick.
	LatestCompleted() Tick
}

// ImageDescriptor describes an image allocation.
type ImageDescriptor struct {
	Label  string
	Extent Extent2D
	Format gputypes.TextureFormat
	Usage  gputypes.TextureUsage
}

// BufferDescriptor describes a buffer allocation.
type BufferDescriptor struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage
}

// Allocator creates and destroys typed GPU resources.
type Allocator interface {
	CreateImage(desc ImageDescriptor) (Image, error)
	DestroyImage(img Image)
	CreateBuffer(desc BufferDescriptor, class UsageClass) (Buffer, error)
	DestroyBuffer(buf Buffer)
}

// FramebufferDescriptor describes a single-pass render target over images.
type FramebufferDescriptor struct {
	Label       string
	Attachments []Image
	Extent      Extent2D
}

// DeviceLossReporter is told once when the device is lost.
type DeviceLossReporter interface {
	ReportLoss()
}

// Device is the set of device services the present manager needs.
type Device interface {
	Allocator
	DeviceLossReporter

	CreateFramebuffer(desc FramebufferDescriptor) (Framebuffer, error)
	DestroyFramebuffer(fb Framebuffer)

	CreateSemaphore(label string) (Semaphore, error)
	DestroySemaphore(s Semaphore)

	CreateFence(label string, signaled bool) (GPUFence, error)
	DestroyFence(f GPUFence)

	// SupportsBlit reports whether images of format can be a blit
	// destination.
	SupportsBlit(format gputypes.TextureFormat) bool

	// WaitIdle blocks until all submitted work has retired.
	WaitIdle() error
}

// Surface is a platform presentation surface.
type Surface interface {
	Label() string
}

// SurfaceFactory recreates the platform surface after it is lost. It stands
// in for the output window.
type SurfaceFactory interface {
	CreateSurface() (Surface, error)
	DestroySurface(s Surface)
}

// SwapchainConfig is the configuration a swapchain is (re)created with.
type SwapchainConfig struct {
	Extent     Extent2D
	Mode       PresentMode
	ImageCount int
}

// Swapchain is the platform ring of presentable images.
type Swapchain interface {
	// AcquireNext acquires the next image. It reports true when the
	// swapchain must be recreated before an image can be acquired.
	AcquireNext() (needsRecreation bool, err error)
	CurrentImage() Image
	CurrentAcquireSemaphore() Semaphore
	CurrentPresentSemaphore() Semaphore
	// Present queues the current image, waiting on wait.
	Present(wait Semaphore) error

	Extent() Extent2D
	ImageFormat() gputypes.TextureFormat
	ImageCount() int

	// PresentModes lists the modes the surface supports.
	PresentModes() []PresentMode
	// ImageCountRange returns the surface's minimum and maximum image
	// count. A maximum of zero means unbounded.
	ImageCountRange() (minCount, maxCount int)
	// Create (re)builds the swapchain on surface.
	Create(surface Surface, cfg SwapchainConfig) error
	Destroy()
}

// StateTracker caches dynamic command buffer state outside the scheduler.
type StateTracker interface {
	InvalidateCommandBufferState()
}

// QuerySegmentNotifier is told when a query segment ends before a
// submission and begins again on a fresh context.
type QuerySegmentNotifier interface {
	NotifySegment(resume bool)
}
