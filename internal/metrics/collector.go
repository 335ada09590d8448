package metrics

import (
	"context"
	"runtime"
	"time"
)

// CountsFunc reports the current depth of each queue structure.
type CountsFunc func(ctx context.Context) (map[string]int64, error)

// QueueMetricsCollector samples queue depths into gauges on a fixed
// cadence so Prometheus sees backlog growth between submissions.
type QueueMetricsCollector struct {
	counts   CountsFunc
	interval time.Duration
	stopped  chan struct{}
}

// NewQueueMetricsCollector builds a collector that polls counts every
// interval once started.
func NewQueueMetricsCollector(counts CountsFunc, interval time.Duration) *QueueMetricsCollector {
	return &QueueMetricsCollector{
		counts:   counts,
		interval: interval,
		stopped:  make(chan struct{}),
	}
}

// Start launches the sampling loop. It runs until Stop is called or ctx
// is canceled, sampling once immediately so gauges are populated before
// the first tick.
func (qc *QueueMetricsCollector) Start(ctx context.Context) {
	go func() {
		qc.sample(ctx)

		ticker := time.NewTicker(qc.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				qc.sample(ctx)
			case <-qc.stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (qc *QueueMetricsCollector) Stop() {
	close(qc.stopped)
}

func (qc *QueueMetricsCollector) sample(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	m := Get()
	if depths, err := qc.counts(pollCtx); err == nil {
		for state, depth := range depths {
			m.SetQueueDepth(state, depth)
		}
	}
	m.GoroutineNum.Set(float64(runtime.NumGoroutine()))
}
