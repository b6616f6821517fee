//go:build !nogpu

// Package native runs the scheduler and the present manager on a
// gogpu/wgpu HAL device.
//
// Ticks map onto one HAL timeline fence: tick n is signaled by submitting
// with fence value n, and waiting for a tick waits for that value. GPU
// fences handed to the present manager are separate timeline fences whose
// target moves forward on every Reset.
//
// The HAL exposes a single queue, so submission order is execution order
// and semaphores are handles without GPU objects. Texture-to-texture copies
// and blits are not exposed either; swapchains are headless rings of
// readback buffers that frames are copied into, which makes the backend
// usable for offscreen rendering and tests:
//
//	dev, err := native.Open()
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//	sched, err := scheduler.New(dev.Authority(), dev.CommandPool())
//
// Build with the nogpu tag to leave the package out.
package native
