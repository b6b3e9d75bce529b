package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndCount(t *testing.T) {
	m, reg := NewMetrics()

	m.ToolExecutions.WithLabelValues("TIMEOUT").Inc()
	m.ToolExecutions.WithLabelValues("TIMEOUT").Inc()
	m.ToolExecutions.WithLabelValues("").Inc()
	m.PoolPressure.Set(0.5)
	m.LLMTokens.WithLabelValues("anthropic", "output").Add(128)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ToolExecutions.WithLabelValues("TIMEOUT")), 1e-9)
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.PoolPressure), 1e-9)
	assert.InDelta(t, 128.0, testutil.ToFloat64(m.LLMTokens.WithLabelValues("anthropic", "output")), 1e-9)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	_, reg1 := NewMetrics()
	_, reg2 := NewMetrics()
	f1, err := reg1.Gather()
	require.NoError(t, err)
	f2, err := reg2.Gather()
	require.NoError(t, err)
	assert.Equal(t, len(f1), len(f2))
}
