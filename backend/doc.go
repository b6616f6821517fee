// Package backend provides a registry of device backends for the scheduler
// and the present manager.
//
// # Backend Registration
//
// Backends register a factory from an init() function and are selected at
// runtime. Importing a backend package is enough:
//
//	import _ "github.com/gogpu/gpusched/backend/software"
//	import _ "github.com/gogpu/gpusched/backend/native"
//
// # Backend Selection
//
// Use Default() for the best available backend, or Get() to request a
// specific one by name:
//
//	dev, err := backend.Default()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	sched, err := scheduler.New(dev.Authority(), dev.CommandPool())
//
// # Available Backends
//
// - "software": CPU timeline with recording command buffers (always available)
// - "native": gogpu/wgpu HAL, headless readback swapchain
package backend
