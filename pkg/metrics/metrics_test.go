package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	MetricExecutionsTotal.WithLabelValues("success").Inc()
	MetricSessionsActive.Set(3)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]struct{}{}
	for _, f := range families {
		names[f.GetName()] = struct{}{}
	}
	assert.Contains(t, names, "reqd_executions_total")
	assert.Contains(t, names, "reqd_sessions_active")
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg))
}
