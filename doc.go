// Package gpusched provides the command-scheduling and presentation core of a
// GPU rendering backend.
//
// # Overview
//
// Rendering code records deferred GPU operations into a [scheduler.Scheduler],
// which batches them into fixed-capacity chunks and hands each chunk to a
// worker goroutine. The worker replays the chunk against live command buffers
// and, when the chunk carries a submission marker, submits to the graphics
// queue through a [TickAuthority]. Ticks are the single timeline every other
// component synchronizes on.
//
//	sched, err := scheduler.New(dev.Authority(), dev.CommandPool())
//	if err != nil {
//	    return err
//	}
//	defer sched.Close()
//
//	sched.RequestRenderpass(framebuffer)
//	sched.Record(func(cmd gpusched.CommandBuffer) {
//	    cmd.BindGraphicsPipeline(pipeline)
//	})
//	tick := sched.Flush(nil, nil)
//
// Resource caches use [fence.Manager] to learn when a tick retired and a
// resource may be reused. The [present.Manager] owns a small pool of
// intermediate frames and copies finished frames into the swapchain, either
// inline or from a dedicated present goroutine.
//
// # Collaborators
//
// The core never creates devices, surfaces, or pipelines itself. It consumes
// the interfaces declared in this package: [TickAuthority], [CommandPool],
// [CommandBuffer], [Device], [Swapchain] and [SurfaceFactory]. Two
// implementations ship with the module:
//   - backend/software: a CPU timeline with recording command buffers,
//     used headless and in tests
//   - backend/native: gogpu/wgpu HAL (Vulkan, Metal, DX12, GLES, noop)
//
// # Errors
//
// Presentation failures are classified with [KindOf] into surface
// recreation, swapchain recreation, device loss and unexpected errors.
// Only device loss escapes the present manager; it is sticky and surfaces
// from every blocking call afterwards.
//
// # Logging
//
// The module is silent by default. Call [SetLogger] to route diagnostics
// to a [log/slog] handler.
//
// [scheduler.Scheduler]: https://pkg.go.dev/github.com/gogpu/gpusched/scheduler#Scheduler
// [fence.Manager]: https://pkg.go.dev/github.com/gogpu/gpusched/fence#Manager
// [present.Manager]: https://pkg.go.dev/github.com/gogpu/gpusched/present#Manager
package gpusched

// Version information
const (
	// Version is the current version of the module
	Version = "0.1.0"
)
