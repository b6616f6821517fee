package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpusched/internal/chunk"
)

// metrics holds the per-scheduler Prometheus collectors.
type metrics struct {
	dispatched  prometheus.Counter
	submissions prometheus.Counter
	failures    prometheus.Counter
	queueDepth  prometheus.Gauge
	execute     prometheus.Histogram
	chunks      prometheus.GaugeFunc
}

func newMetrics(reg prometheus.Registerer, reserve *chunk.Pool) (*metrics, error) {
	m := &metrics{
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "chunks_dispatched_total",
			Help:      "Chunks handed to the worker goroutine.",
		}),
		submissions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Queue submissions made by the worker goroutine.",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "submission_failures_total",
			Help:      "Queue submissions that failed.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Chunks waiting in the handoff queue.",
		}),
		execute: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "chunk_execute_seconds",
			Help:      "Time the worker spent executing one chunk.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		chunks: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "gpusched",
			Subsystem: "scheduler",
			Name:      "chunks_allocated",
			Help:      "Chunks ever allocated by the reserve pool.",
		}, func() float64 { return float64(reserve.Allocated()) }),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.dispatched, m.submissions, m.failures, m.queueDepth, m.execute, m.chunks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
