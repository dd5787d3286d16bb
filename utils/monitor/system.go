package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SystemMonitor samples process health while the scan loop is running and
// exposes it through the default Prometheus registry.
type SystemMonitor struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *zap.Logger
	metrics struct {
		memUsage    prometheus.Gauge
		goroutines  prometheus.Gauge
		heapObjects prometheus.Gauge
		heapAlloc   prometheus.Gauge
		gcPause     prometheus.Gauge
	}
	wg sync.WaitGroup
}

// NewSystemMonitor creates a monitor and starts its sampling loop.
func NewSystemMonitor(ctx context.Context, logger *zap.Logger) (*SystemMonitor, error) {
	ctx, cancel := context.WithCancel(ctx)
	m := &SystemMonitor{
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	m.metrics.memUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liqbot_memory_usage_percent",
		Help: "Allocated heap as a percentage of memory obtained from the OS",
	})
	m.metrics.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liqbot_goroutines",
		Help: "Current number of goroutines",
	})
	m.metrics.heapObjects = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liqbot_heap_objects",
		Help: "Current number of heap objects",
	})
	m.metrics.heapAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liqbot_heap_alloc_bytes",
		Help: "Current heap allocation in bytes",
	})
	m.metrics.gcPause = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "liqbot_gc_pause_seconds",
		Help: "Most recent GC pause duration",
	})

	// Duplicate registration happens when several monitors run in one
	// process (tests); the first registration wins.
	for _, c := range []prometheus.Collector{
		m.metrics.memUsage,
		m.metrics.goroutines,
		m.metrics.heapObjects,
		m.metrics.heapAlloc,
		m.metrics.gcPause,
	} {
		_ = prometheus.Register(c)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.monitor()
	}()

	return m, nil
}

func (m *SystemMonitor) monitor() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.collectMetrics()
		}
	}
}

func (m *SystemMonitor) collectMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.metrics.memUsage.Set(memoryUsage(&memStats))
	m.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	m.metrics.heapObjects.Set(float64(memStats.HeapObjects))
	m.metrics.heapAlloc.Set(float64(memStats.HeapAlloc))
	m.metrics.gcPause.Set(lastGCPauseSeconds(&memStats))
}

// GetMetrics returns a snapshot of the current process health figures.
func (m *SystemMonitor) GetMetrics() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"mem_usage":    memoryUsage(&memStats),
		"goroutines":   int64(runtime.NumGoroutine()),
		"heap_objects": int64(memStats.HeapObjects),
		"heap_alloc":   int64(memStats.HeapAlloc),
		"gc_pause":     lastGCPauseSeconds(&memStats),
	}
}

// Cleanup stops the sampling loop and waits for it to exit.
func (m *SystemMonitor) Cleanup() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func memoryUsage(memStats *runtime.MemStats) float64 {
	if memStats.Sys == 0 {
		return 0
	}
	return float64(memStats.Alloc) / float64(memStats.Sys) * 100
}

func lastGCPauseSeconds(memStats *runtime.MemStats) float64 {
	return float64(memStats.PauseNs[(memStats.NumGC+255)%256]) / float64(time.Second)
}
