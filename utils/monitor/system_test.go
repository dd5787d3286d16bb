package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSystemMonitor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon, err := NewSystemMonitor(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NotNil(t, mon)

	// Let it collect at least one sample.
	time.Sleep(1100 * time.Millisecond)

	metrics := mon.GetMetrics()
	assert.Contains(t, metrics, "mem_usage")
	assert.Contains(t, metrics, "goroutines")
	assert.Contains(t, metrics, "heap_objects")
	assert.Contains(t, metrics, "heap_alloc")
	assert.Contains(t, metrics, "gc_pause")
	assert.Greater(t, metrics["goroutines"].(int64), int64(0))

	require.NoError(t, mon.Cleanup())
}

func TestSystemMonitorSecondInstance(t *testing.T) {
	ctx := context.Background()

	first, err := NewSystemMonitor(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer first.Cleanup()

	// Metric registration collisions must not break a second monitor.
	second, err := NewSystemMonitor(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, second.Cleanup())
}
