package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_Usage(t *testing.T) {
	m := NewMonitor(quietLogger())
	assert.Nil(t, m.Usage(), "no usage before the first sample")

	usage := m.Sample(context.Background())
	require.NotNil(t, usage)
	assert.GreaterOrEqual(t, usage.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, usage.MemoryTotalBytes, usage.MemoryUsedBytes)
}

func TestMonitor_Nil(t *testing.T) {
	var m *Monitor
	assert.Nil(t, m.Usage())
	assert.Nil(t, m.Sample(context.Background()))
}
