package present

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	presented   prometheus.Counter
	recreations *prometheus.CounterVec
	retries     prometheus.Counter
	frames      prometheus.Gauge
	framesTaken prometheus.Gauge
	copySeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		presented: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "frames_presented_total",
			Help:      "Frames copied to the swapchain and presented.",
		}),
		recreations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "recreations_total",
			Help:      "Swapchain and surface recreations by object.",
		}, []string{"object"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "copy_retries_total",
			Help:      "Copy-to-swapchain attempts repeated after a recoverable failure.",
		}),
		frames: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "frames",
			Help:      "Frames in the pool.",
		}),
		framesTaken: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "frames_taken",
			Help:      "Frames handed out by GetRenderFrame and not yet returned.",
		}),
		copySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpusched",
			Subsystem: "present",
			Name:      "copy_seconds",
			Help:      "Time spent recording, submitting and presenting one frame.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 10),
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.presented, m.recreations, m.retries, m.frames, m.framesTaken, m.copySeconds} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
