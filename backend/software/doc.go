// Package software implements every gpusched collaborator on the CPU.
//
// The software device has no GPU. Command buffers record a log of the
// commands they receive and validate usage (recording outside Begin/End,
// transfers inside a render pass, nested passes). The timeline retires
// submissions either as soon as they arrive or, with WithManualRetire, only
// when Retire is called, which lets tests hold ticks in flight.
//
// Binary semaphores are validated the way a driver would: waiting on a
// semaphore that no submission or acquire has signaled fails, as does
// signaling one that is already signaled.
//
// Importing the package registers it with the backend registry:
//
//	import _ "github.com/gogpu/gpusched/backend/software"
package software
