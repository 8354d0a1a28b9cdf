package jointctl

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.commandStarted("arm")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight.WithLabelValues("arm")))
	m.commandFinished("arm", 20*time.Millisecond, &TimeoutError{Timeout: time.Second})
	m.commandStarted("arm")
	m.commandFinished("arm", 20*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("arm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failed.WithLabelValues("arm")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timeouts.WithLabelValues("arm")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight.WithLabelValues("arm")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.latency))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "registering twice must fail")
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.commandStarted("arm")
		m.commandFinished("arm", time.Second, nil)
		m.recordStretch()
	})
}
