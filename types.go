package gpusched

import "fmt"

// Tick is a point on the GPU submission timeline. Ticks are reserved in
// submission order and complete in the same order.
type Tick uint64

// Extent2D is a width and height in pixels.
type Extent2D struct {
	Width  uint32
	Height uint32
}

// Empty reports whether either dimension is zero.
func (e Extent2D) Empty() bool { return e.Width == 0 || e.Height == 0 }

// Min returns the component-wise minimum of e and o.
func (e Extent2D) Min(o Extent2D) Extent2D {
	return Extent2D{Width: min(e.Width, o.Width), Height: min(e.Height, o.Height)}
}

func (e Extent2D) String() string { return fmt.Sprintf("%dx%d", e.Width, e.Height) }

// ImageLayout describes how an image is laid out for the next access.
type ImageLayout uint8

const (
	LayoutUndefined ImageLayout = iota
	LayoutGeneral
	LayoutColorAttachment
	LayoutDepthStencilAttachment
	LayoutShaderReadOnly
	LayoutTransferSrc
	LayoutTransferDst
	LayoutPresentSrc
)

var layoutNames = [...]string{
	LayoutUndefined:              "undefined",
	LayoutGeneral:                "general",
	LayoutColorAttachment:        "color-attachment",
	LayoutDepthStencilAttachment: "depth-stencil-attachment",
	LayoutShaderReadOnly:         "shader-read-only",
	LayoutTransferSrc:            "transfer-src",
	LayoutTransferDst:            "transfer-dst",
	LayoutPresentSrc:             "present-src",
}

func (l ImageLayout) String() string {
	if int(l) < len(layoutNames) {
		return layoutNames[l]
	}
	return fmt.Sprintf("ImageLayout(%d)", l)
}

// PipelineStage is a bit set of pipeline stages.
type PipelineStage uint32

const (
	StageTopOfPipe PipelineStage = 1 << iota
	StageDrawIndirect
	StageVertexInput
	StageVertexShader
	StageFragmentShader
	StageEarlyFragmentTests
	StageLateFragmentTests
	StageColorAttachmentOutput
	StageComputeShader
	StageTransfer
	StageBottomOfPipe
	StageAllGraphics
	StageAllCommands
)

// Access is a bit set of memory access types.
type Access uint32

const (
	AccessIndirectCommandRead Access = 1 << iota
	AccessIndexRead
	AccessVertexAttributeRead
	AccessUniformRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessMemoryRead
	AccessMemoryWrite
)

// ImageAspect selects the planes of an image a range refers to.
type ImageAspect uint8

const (
	AspectColor ImageAspect = 1 << iota
	AspectDepth
	AspectStencil
)

// ImageSubresourceRange selects mip levels and array layers of an image.
type ImageSubresourceRange struct {
	Aspect         ImageAspect
	BaseMipLevel   uint32
	LevelCount     uint32
	BaseArrayLayer uint32
	LayerCount     uint32
}

// ColorRange is the single-level, single-layer color range used by render
// targets and swapchain images.
var ColorRange = ImageSubresourceRange{Aspect: AspectColor, LevelCount: 1, LayerCount: 1}

// MemoryBarrier makes writes of one access class visible to another.
type MemoryBarrier struct {
	SrcAccess Access
	DstAccess Access
}

// ImageBarrier transitions an image between layouts.
type ImageBarrier struct {
	Image     Image
	SrcAccess Access
	DstAccess Access
	OldLayout ImageLayout
	NewLayout ImageLayout
	Range     ImageSubresourceRange
}

// Barrier is one pipeline barrier command.
type Barrier struct {
	SrcStage PipelineStage
	DstStage PipelineStage
	Memory   []MemoryBarrier
	Images   []ImageBarrier
}

// Offset2D is a signed pixel offset.
type Offset2D struct {
	X int32
	Y int32
}

// ImageCopy is one exact-size copy region.
type ImageCopy struct {
	SrcOffset Offset2D
	DstOffset Offset2D
	Extent    Extent2D
}

// ImageBlit is one scaling copy region given as two corner pairs.
type ImageBlit struct {
	SrcOffsets [2]Offset2D
	DstOffsets [2]Offset2D
}

// Filter selects blit sampling.
type Filter uint8

const (
	FilterNearest Filter = iota
	FilterLinear
)

// PresentMode is the swapchain presentation mode.
type PresentMode uint8

const (
	// PresentModeFIFO waits for vertical blank. Always supported.
	PresentModeFIFO PresentMode = iota
	// PresentModeMailbox replaces the queued image, lowest latency without tearing.
	PresentModeMailbox
	// PresentModeImmediate presents at once and may tear.
	PresentModeImmediate
)

func (m PresentMode) String() string {
	switch m {
	case PresentModeFIFO:
		return "fifo"
	case PresentModeMailbox:
		return "mailbox"
	case PresentModeImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("PresentMode(%d)", m)
	}
}

// UsageClass selects host visibility hints for a buffer allocation.
type UsageClass uint8

const (
	// UsageDeviceLocal is GPU-only memory.
	UsageDeviceLocal UsageClass = iota
	// UsageUpload is host-visible memory written by the CPU and read by the GPU.
	UsageUpload
	// UsageDownload is host-visible memory written by the GPU and read back.
	UsageDownload
	// UsageStream is host-visible memory rewritten every frame.
	UsageStream
)

func (c UsageClass) String() string {
	switch c {
	case UsageDeviceLocal:
		return "device-local"
	case UsageUpload:
		return "upload"
	case UsageDownload:
		return "download"
	case UsageStream:
		return "stream"
	default:
		return fmt.Sprintf("UsageClass(%d)", c)
	}
}
