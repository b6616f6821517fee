package gpusched

import "errors"

// Package errors shared by the scheduler, the present manager and the backends.
var (
	// ErrDeviceLost is returned when the GPU device is lost. It is fatal:
	// the session that observed it must not retry.
	ErrDeviceLost = errors.New("gpusched: GPU device lost")

	// ErrSurfaceLost is returned when the presentation surface is gone and
	// must be recreated together with the swapchain.
	ErrSurfaceLost = errors.New("gpusched: surface lost")

	// ErrOutOfDate is returned when the swapchain no longer matches the
	// surface and must be recreated.
	ErrOutOfDate = errors.New("gpusched: swapchain out of date")

	// ErrSuboptimal is returned when the swapchain still works but no
	// longer matches the surface exactly.
	ErrSuboptimal = errors.New("gpusched: swapchain suboptimal")

	// ErrUnexpected is returned for failures outside the recoverable set.
	ErrUnexpected = errors.New("gpusched: unexpected result")

	// ErrClosed is returned when operating on a closed component.
	ErrClosed = errors.New("gpusched: closed")
)

// ErrorKind classifies an error by the recovery it requires.
type ErrorKind uint8

const (
	// KindNone means no error.
	KindNone ErrorKind = iota

	// KindSurfaceRecreation means the surface and swapchain must be rebuilt.
	KindSurfaceRecreation

	// KindSwapchainRecreation means only the swapchain must be rebuilt.
	KindSwapchainRecreation

	// KindDeviceLost means the device is gone.
	KindDeviceLost

	// KindUnexpected covers everything else.
	KindUnexpected
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindSurfaceRecreation:
		return "surface-recreation"
	case KindSwapchainRecreation:
		return "swapchain-recreation"
	case KindDeviceLost:
		return "device-lost"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// KindOf classifies err. Wrapped errors are unwrapped with errors.Is.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDeviceLost):
		return KindDeviceLost
	case errors.Is(err, ErrSurfaceLost):
		return KindSurfaceRecreation
	case errors.Is(err, ErrOutOfDate), errors.Is(err, ErrSuboptimal):
		return KindSwapchainRecreation
	default:
		return KindUnexpected
	}
}
