package fence

import (
	"log/slog"
	"time"
)

// Option configures a Manager.
type Option func(*options)

type options struct {
	hangTimeout time.Duration
	logger      *slog.Logger
}

// WithHangTimeout makes waits give up after d and report ErrFenceTimeout.
// Zero, the default, waits forever. A timed-out wait leaves one goroutine
// per fence blocked until the tick completes or the timeline fails; later
// waits on the same tick reuse it.
func WithHangTimeout(d time.Duration) Option {
	return func(o *options) { o.hangTimeout = d }
}

// WithLogger sets the manager's logger. By default the gpusched package
// logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}
