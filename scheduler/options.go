package scheduler

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpusched"
	"github.com/gogpu/gpusched/internal/chunk"
)

// Option configures a Scheduler during creation.
//
// Example:
//
//	sched, err := scheduler.New(authority, pool,
//	    scheduler.WithChunkCapacity(1024),
//	    scheduler.WithRegisterer(prometheus.DefaultRegisterer),
//	)
type Option func(*options)

// options holds optional configuration for Scheduler creation.
type options struct {
	chunkCapacity int
	logger        *slog.Logger
	registerer    prometheus.Registerer
	tracker       gpusched.StateTracker
	loss          gpusched.DeviceLossReporter
	queries       gpusched.QuerySegmentNotifier
	onSubmit      func()
}

// defaultOptions returns the default scheduler options.
func defaultOptions() options {
	return options{
		chunkCapacity: chunk.DefaultCapacity,
		logger:        nil, // Falls back to gpusched.Logger()
	}
}

// WithChunkCapacity sets how many operations a chunk holds before it is
// dispatched to the worker.
func WithChunkCapacity(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.chunkCapacity = n
		}
	}
}

// WithLogger sets the scheduler logger. Without it the scheduler logs
// through gpusched.Logger().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithRegisterer registers the scheduler metrics with r.
// Metrics are collected but not exported when no registerer is set.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = r
	}
}

// WithStateTracker sets the tracker invalidated whenever the worker switches
// to fresh command buffers.
func WithStateTracker(t gpusched.StateTracker) Option {
	return func(o *options) {
		o.tracker = t
	}
}

// WithLossReporter sets the object told when a submission reports device loss.
func WithLossReporter(r gpusched.DeviceLossReporter) Option {
	return func(o *options) {
		o.loss = r
	}
}

// WithQueryNotifier sets the query cache notified around submissions.
func WithQueryNotifier(q gpusched.QuerySegmentNotifier) Option {
	return func(o *options) {
		o.queries = q
	}
}

// WithOnSubmit sets a callback run on the worker right before each queue
// submission.
func WithOnSubmit(fn func()) Option {
	return func(o *options) {
		o.onSubmit = fn
	}
}
