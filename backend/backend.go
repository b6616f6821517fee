package backend

import (
	"errors"

	"github.com/gogpu/gpusched"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// Backend name constants.
const (
	// BackendSoftware is the CPU timeline backend.
	BackendSoftware = "software"
	// BackendNative is the gogpu/wgpu HAL backend.
	BackendNative = "native"
)

// Device is everything a backend provides to drive the scheduler and the
// present manager on one GPU.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type Device interface {
	gpusched.Device

	// Name returns the backend identifier (e.g., "software", "native").
	Name() string

	// Authority returns the device's submission timeline.
	Authority() gpusched.TickAuthority

	// CommandPool returns the pool the scheduler allocates command
	// buffers from.
	CommandPool() gpusched.CommandPool

	// Surfaces returns the factory used to (re)create the output surface.
	Surfaces() gpusched.SurfaceFactory

	// NewSwapchain returns a swapchain that has not been created yet.
	// The present manager calls Create on it.
	NewSwapchain() gpusched.Swapchain

	// Close releases all device resources. The device must be idle.
	Close()
}
