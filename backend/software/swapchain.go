package software

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpusched"
)

// Surface is a presentation surface that can be lost on demand.
type Surface struct {
	label string
	lost  atomic.Bool
}

// Label returns the surface label.
func (s *Surface) Label() string { return s.label }

// Lose marks the surface lost. Swapchain calls on it fail with
// gpusched.ErrSurfaceLost.
func (s *Surface) Lose() { s.lost.Store(true) }

// Lost reports whether the surface was lost.
func (s *Surface) Lost() bool { return s.lost.Load() }

// SurfaceFactory creates surfaces and can be told to fail.
type SurfaceFactory struct {
	mu       sync.Mutex
	created  int
	failures int
	current  *Surface
}

// CreateSurface creates a fresh surface.
func (f *SurfaceFactory) CreateSurface() (gpusched.Surface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("software: create surface: %w", gpusched.ErrSurfaceLost)
	}
	f.created++
	f.current = &Surface{label: "surface_" + strconv.Itoa(f.created)}
	return f.current, nil
}

// DestroySurface releases a surface.
func (f *SurfaceFactory) DestroySurface(gpusched.Surface) {}

// FailNext makes the next n CreateSurface calls fail.
func (f *SurfaceFactory) FailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

// Created returns how many surfaces were created.
func (f *SurfaceFactory) Created() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// Current returns the most recently created surface.
func (f *SurfaceFactory) Current() *Surface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Swapchain is a ring of CPU images with scripted failures.
//
// Thread safety: Swapchain is safe for concurrent use.
type Swapchain struct {
	dev *Device

	mu         sync.Mutex
	surface    *Surface
	cfg        gpusched.SwapchainConfig
	images     []*Image
	acquire    []*Semaphore
	present    []*Semaphore
	index      int
	acquired   bool
	generation int

	recreations  int
	acquireErrs  []error
	presentErrs  []error
	presented    []string
}

func newSwapchain(d *Device) *Swapchain {
	return &Swapchain{dev: d, index: -1}
}

// Create (re)builds the image ring on surface.
func (s *Swapchain) Create(surface gpusched.Surface, cfg gpusched.SwapchainConfig) error {
	sf, ok := surface.(*Surface)
	if !ok {
		return fmt.Errorf("%w: surface %T", ErrForeignObject, surface)
	}
	if sf.Lost() {
		return fmt.Errorf("software: create swapchain: %w", gpusched.ErrSurfaceLost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := max(cfg.ImageCount, s.dev.opts.minImages)
	if s.dev.opts.maxImages > 0 {
		count = min(count, s.dev.opts.maxImages)
	}
	cfg.ImageCount = count

	s.generation++
	s.surface = sf
	s.cfg = cfg
	s.images = make([]*Image, count)
	s.acquire = make([]*Semaphore, count)
	s.present = make([]*Semaphore, count)
	for i := range count {
		name := fmt.Sprintf("swapchain%d_image%d", s.generation, i)
		s.images[i] = &Image{desc: gpusched.ImageDescriptor{
			Label:  name,
			Extent: cfg.Extent,
			Format: gputypes.TextureFormatBGRA8Unorm,
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
		}}
		s.acquire[i] = NewSemaphore(name + "_acquired")
		s.present[i] = NewSemaphore(name + "_render_done")
	}
	s.index = -1
	s.acquired = false
	return nil
}

// Destroy drops the image ring.
func (s *Swapchain) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images, s.acquire, s.present = nil, nil, nil
	s.index = -1
}

// AcquireNext advances to the next image and signals its acquire semaphore.
func (s *Swapchain) AcquireNext() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.surface == nil || s.surface.Lost() {
		return false, fmt.Errorf("software: acquire: %w", gpusched.ErrSurfaceLost)
	}
	if s.recreations > 0 {
		s.recreations--
		return true, nil
	}
	if len(s.acquireErrs) > 0 {
		err := s.acquireErrs[0]
		s.acquireErrs = s.acquireErrs[1:]
		return false, err
	}

	s.index = (s.index + 1) % len(s.images)
	if err := s.acquire[s.index].signal(); err != nil {
		return false, err
	}
	s.acquired = true
	return false, nil
}

// CurrentImage returns the acquired image.
func (s *Swapchain) CurrentImage() gpusched.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images[s.index]
}

// CurrentAcquireSemaphore returns the semaphore signaled by the last acquire.
func (s *Swapchain) CurrentAcquireSemaphore() gpusched.Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquire[s.index]
}

// CurrentPresentSemaphore returns the semaphore the copy signals and
// Present waits on.
func (s *Swapchain) CurrentPresentSemaphore() gpusched.Semaphore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.present[s.index]
}

// Present consumes wait and queues the acquired image.
func (s *Swapchain) Present(wait gpusched.Semaphore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.acquired {
		return fmt.Errorf("%w: present without an acquired image", ErrInvalidUsage)
	}
	s.acquired = false

	if wait != nil {
		sem, ok := wait.(*Semaphore)
		if !ok {
			return fmt.Errorf("%w: semaphore %T", ErrForeignObject, wait)
		}
		if err := sem.consume(); err != nil {
			return err
		}
	}
	if s.surface.Lost() {
		return fmt.Errorf("software: present: %w", gpusched.ErrSurfaceLost)
	}
	if len(s.presentErrs) > 0 {
		err := s.presentErrs[0]
		s.presentErrs = s.presentErrs[1:]
		return err
	}
	s.presented = append(s.presented, s.images[s.index].Label())
	return nil
}

// Extent returns the image extent.
func (s *Swapchain) Extent() gpusched.Extent2D {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Extent
}

// ImageFormat returns the image format.
func (s *Swapchain) ImageFormat() gputypes.TextureFormat { return gputypes.TextureFormatBGRA8Unorm }

// ImageCount returns the number of images in the ring.
func (s *Swapchain) ImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// PresentModes returns the configured present modes.
func (s *Swapchain) PresentModes() []gpusched.PresentMode { return s.dev.opts.modes }

// ImageCountRange returns the configured image count limits.
func (s *Swapchain) ImageCountRange() (int, int) {
	return s.dev.opts.minImages, s.dev.opts.maxImages
}

// Mode returns the present mode the swapchain was created with.
func (s *Swapchain) Mode() gpusched.PresentMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Mode
}

// Generation counts Create calls.
func (s *Swapchain) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// ForceRecreation makes the next n acquires report that the swapchain must
// be recreated.
func (s *Swapchain) ForceRecreation(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recreations = n
}

// FailAcquire queues errors returned by the next acquires.
func (s *Swapchain) FailAcquire(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireErrs = append(s.acquireErrs, errs...)
}

// FailPresent queues errors returned by the next presents.
func (s *Swapchain) FailPresent(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presentErrs = append(s.presentErrs, errs...)
}

// Presented returns the labels of every presented image, in order.
func (s *Swapchain) Presented() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.presented...)
}
