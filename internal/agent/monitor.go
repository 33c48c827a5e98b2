package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/scriptfleet/scriptfleet/internal/protocol"
)

// Monitor samples coarse host resource usage for heartbeats.
type Monitor struct {
	logger zerolog.Logger
	mu     sync.RWMutex

	cpuPercent  float64
	memoryUsed  uint64
	memoryTotal uint64
	lastUpdate  time.Time
}

// NewMonitor creates a new resource monitor.
func NewMonitor(logger zerolog.Logger) *Monitor {
	return &Monitor{
		logger: logger.With().Str("component", "monitor").Logger(),
	}
}

// Update refreshes the resource usage figures. Sampling errors keep the
// previous values.
func (m *Monitor) Update(ctx context.Context) {
	// Interval 0 compares against the previous call, so this never sleeps.
	percents, cpuErr := cpu.PercentWithContext(ctx, 0, false)
	vm, memErr := mem.VirtualMemoryWithContext(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if cpuErr != nil {
		m.logger.Debug().Err(cpuErr).Msg("Failed to sample CPU usage")
	} else if len(percents) > 0 {
		m.cpuPercent = percents[0]
	}

	if memErr != nil {
		m.logger.Debug().Err(memErr).Msg("Failed to sample memory usage")
	} else {
		m.memoryUsed = vm.Used
		m.memoryTotal = vm.Total
	}

	m.lastUpdate = time.Now()
}

// Usage returns the most recent sample. A nil Monitor reports nothing.
func (m *Monitor) Usage() *protocol.ResourceUsage {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.lastUpdate.IsZero() {
		return nil
	}
	return &protocol.ResourceUsage{
		CPUPercent:       m.cpuPercent,
		MemoryUsedBytes:  m.memoryUsed,
		MemoryTotalBytes: m.memoryTotal,
	}
}

// Sample updates and returns the current usage.
func (m *Monitor) Sample(ctx context.Context) *protocol.ResourceUsage {
	if m == nil {
		return nil
	}
	m.Update(ctx)
	return m.Usage()
}
