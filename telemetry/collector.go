package telemetry

import (
	"sync"
	"time"
)

// QueueStatsProvider reports handoff queue occupancy
type QueueStatsProvider interface {
	Len() int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	queue    QueueStatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(queue QueueStatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		queue:    queue,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.queue == nil {
		return
	}

	depth := mc.queue.Len()
	QueueDepth.Set(float64(depth))
	DispatchLagEvents.Set(float64(depth))
}
