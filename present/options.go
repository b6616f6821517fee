package present

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpusched"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	presentThread  bool
	logger         *slog.Logger
	registerer     prometheus.Registerer
	surfaceRetries uint64
	modes          []gpusched.PresentMode
	frameExtent    gpusched.Extent2D
}

func defaultOptions() options {
	return options{
		presentThread:  true,
		surfaceRetries: 5,
		modes:          []gpusched.PresentMode{gpusched.PresentModeMailbox},
	}
}

// WithPresentThread selects asynchronous presentation on a dedicated
// goroutine (the default) or synchronous presentation inside Present.
func WithPresentThread(enabled bool) Option {
	return func(o *options) { o.presentThread = enabled }
}

// WithLogger sets the manager's logger. By default the gpusched package
// logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegisterer registers the manager's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSurfaceRetries bounds how many times surface recreation is retried
// after a surface loss before the error is returned.
func WithSurfaceRetries(n uint64) Option {
	return func(o *options) { o.surfaceRetries = n }
}

// WithPresentModes sets the preferred present modes, most preferred
// first. FIFO is always the fallback.
func WithPresentModes(modes ...gpusched.PresentMode) Option {
	return func(o *options) { o.modes = modes }
}

// WithFrameExtent sets the size of the intermediate frame images. By
// default frames match the swapchain.
func WithFrameExtent(e gpusched.Extent2D) Option {
	return func(o *options) { o.frameExtent = e }
}
