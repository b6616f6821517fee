//go:build !nogpu

package native

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpusched"
)

// Surface is a headless output surface. Its extent stands in for the
// window size; resizing it makes the swapchain report recreation.
type Surface struct {
	label string

	mu     sync.Mutex
	extent gpusched.Extent2D
	lost   atomic.Bool
}

func (s *Surface) Label() string { return s.label }

// Extent returns the surface size.
func (s *Surface) Extent() gpusched.Extent2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extent
}

// Resize changes the surface size.
func (s *Surface) Resize(extent gpusched.Extent2D) {
	s.mu.Lock()
	s.extent = extent
	s.mu.Unlock()
}

// Lose marks the surface lost.
func (s *Surface) Lose() { s.lost.Store(true) }

// SurfaceFactory creates headless surfaces.
type SurfaceFactory struct {
	mu      sync.Mutex
	extent  gpusched.Extent2D
	created int
	current *Surface
}

// CreateSurface creates a surface at the factory's current extent.
func (f *SurfaceFactory) CreateSurface() (gpusched.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.current = &Surface{label: fmt.Sprintf("headless%d", f.created), extent: f.extent}
	return f.current, nil
}

// DestroySurface releases a surface.
func (f *SurfaceFactory) DestroySurface(gpusched.Surface) {}

// Current returns the most recently created surface.
func (f *SurfaceFactory) Current() *Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// ReadbackImage is a swapchain image backed by a host-readable buffer with
// rows padded to the copy pitch alignment.
type ReadbackImage struct {
	label  string
	extent gpusched.Extent2D
	pitch  uint32
	buffer hal.Buffer
}

func (r *ReadbackImage) Label() string                  { return r.label }
func (r *ReadbackImage) Extent() gpusched.Extent2D      { return r.extent }
func (r *ReadbackImage) Format() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// Swapchain is a headless ring of readback images. Presenting an image
// records it as the latest output; ReadPixels returns its contents.
type Swapchain struct {
	dev *Device

	mu         sync.Mutex
	surface    *Surface
	cfg        gpusched.SwapchainConfig
	generation int
	images     []*ReadbackImage
	acquired   []*Semaphore
	presentSem []*Semaphore
	current    int
	presented  int
	last       int
}

func newSwapchain(dev *Device) *Swapchain { return &Swapchain{dev: dev, current: -1, last: -1} }

// Create (re)builds the image ring on surface. Images from the previous
// generation are destroyed; the caller must have waited for the GPU.
func (s *Swapchain) Create(surface gpusched.Surface, cfg gpusched.SwapchainConfig) error {
	sf, ok := surface.(*Surface)
	if !ok {
		return fmt.Errorf("%w: surface %T", ErrForeignObject, surface)
	}
	if sf.lost.Load() {
		return fmt.Errorf("native: create swapchain: %w", gpusched.ErrSurfaceLost)
	}
	// Like a window surface, a sized surface dictates the image extent.
	if e := sf.Extent(); !e.Empty() {
		cfg.Extent = e
	} else {
		sf.Resize(cfg.Extent)
	}
	if cfg.Extent.Empty() {
		return fmt.Errorf("%w: swapchain extent %s", ErrInvalidDimensions, cfg.Extent)
	}
	if cfg.ImageCount <= 0 {
		cfg.ImageCount = 2
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.destroyLocked()
	s.generation++
	pitch := alignedPitch(cfg.Extent.Width)
	for i := range cfg.ImageCount {
		label := fmt.Sprintf("readback_g%d_image%d", s.generation, i)
		buf, err := s.dev.device.CreateBuffer(&hal.BufferDescriptor{
			Label: label,
			Size:  uint64(pitch) * uint64(cfg.Extent.Height),
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			s.destroyLocked()
			return fmt.Errorf("native: create swapchain image %d: %w", i, err)
		}
		s.images = append(s.images, &ReadbackImage{label: label, extent: cfg.Extent, pitch: pitch, buffer: buf})
		s.acquired = append(s.acquired, &Semaphore{label: label + "_acquired"})
		s.presentSem = append(s.presentSem, &Semaphore{label: label + "_render_done"})
	}
	s.surface = sf
	s.cfg = cfg
	s.current = -1
	s.last = -1
	return nil
}

// AcquireNext advances to the next image. It reports recreation when the
// surface was resized.
func (s *Swapchain) AcquireNext() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.surface == nil || len(s.images) == 0 {
		return true, nil
	}
	if s.surface.lost.Load() {
		return false, fmt.Errorf("native: acquire: %w", gpusched.ErrSurfaceLost)
	}
	if s.surface.Extent() != s.cfg.Extent {
		return true, nil
	}
	s.current = (s.current + 1) % len(s.images)
	return false, nil
}

func (s *Swapchain) CurrentImage() gpusched.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return nil
	}
	return s.images[s.current]
}

func (s *Swapchain) CurrentAcquireSemaphore() gpusched.Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return nil
	}
	return s.acquired[s.current]
}

func (s *Swapchain) CurrentPresentSemaphore() gpusched.Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return nil
	}
	return s.presentSem[s.current]
}

// Present records the current image as the latest output.
func (s *Swapchain) Present(gpusched.Semaphore) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surface != nil && s.surface.lost.Load() {
		return fmt.Errorf("native: present: %w", gpusched.ErrSurfaceLost)
	}
	if s.current < 0 {
		return fmt.Errorf("%w: present without an acquired image", ErrInvalidUsage)
	}
	s.last = s.current
	s.presented++
	return nil
}

func (s *Swapchain) Extent() gpusched.Extent2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Extent
}

func (s *Swapchain) ImageFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

func (s *Swapchain) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// PresentModes reports FIFO and immediate; a headless ring has no vertical
// blank to replace images against.
func (s *Swapchain) PresentModes() []gpusched.PresentMode {
	return []gpusched.PresentMode{gpusched.PresentModeFIFO, gpusched.PresentModeImmediate}
}

func (s *Swapchain) ImageCountRange() (int, int) { return 2, 4 }

// Mode returns the configured present mode.
func (s *Swapchain) Mode() gpusched.PresentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Mode
}

// Presented returns how many images were presented.
func (s *Swapchain) Presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

// ReadPixels waits for the GPU and returns the last presented image as
// tightly packed RGBA rows.
func (s *Swapchain) ReadPixels() ([]byte, gpusched.Extent2D, error) {
	s.mu.Lock()
	if s.last < 0 {
		s.mu.Unlock()
		return nil, gpusched.Extent2D{}, fmt.Errorf("%w: nothing presented", ErrInvalidUsage)
	}
	img := s.images[s.last]
	s.mu.Unlock()

	if err := s.dev.WaitIdle(); err != nil {
		return nil, gpusched.Extent2D{}, err
	}
	w, h := img.extent.Width, img.extent.Height
	raw := make([]byte, uint64(img.pitch)*uint64(h))
	if err := s.dev.queue.ReadBuffer(img.buffer, 0, raw); err != nil {
		return nil, gpusched.Extent2D{}, fmt.Errorf("native: readback: %w", err)
	}

	row := w * bytesPerPixel
	out := make([]byte, uint64(row)*uint64(h))
	for y := range h {
		src := raw[y*img.pitch : y*img.pitch+row]
		dst := out[y*row : (y+1)*row]
		for x := uint32(0); x < row; x += bytesPerPixel {
			// BGRA to RGBA.
			dst[x], dst[x+1], dst[x+2], dst[x+3] = src[x+2], src[x+1], src[x], src[x+3]
		}
	}
	return out, img.extent, nil
}

// Destroy releases the image ring.
func (s *Swapchain) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

func (s *Swapchain) destroyLocked() {
	for _, img := range s.images {
		s.dev.device.DestroyBuffer(img.buffer)
	}
	s.images = nil
	s.acquired = nil
	s.presentSem = nil
}
