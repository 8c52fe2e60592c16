package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/remu/internal/domain"
)

func TestHostSampler(t *testing.T) {
	gauges, err := NewHostSampler(t.TempDir()).Sample(context.Background())
	require.NoError(t, err)

	for name, v := range map[string]float64{"cpu": gauges.CPU, "mem": gauges.Memory, "disk": gauges.Disk} {
		assert.GreaterOrEqual(t, v, 0.0, name)
		assert.LessOrEqual(t, v, 100.0, name)
	}
}

func TestStatic(t *testing.T) {
	s := Static{CPU: 1, Memory: 2, Disk: 3}
	gauges, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceGauges{CPU: 1, Memory: 2, Disk: 3}, gauges)
}
