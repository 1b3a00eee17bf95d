package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestMetrics() *Metrics {
	return NewWithRegisterer(prometheus.NewRegistry())
}

func TestRecordDispatchErrorUsesNumericCodeLabel(t *testing.T) {
	m := newTestMetrics()
	m.RecordDispatchError(13001)
	require.Equal(t, float64(1), testutil.ToFloat64(m.DispatchErrors.WithLabelValues("13001")))
}

func TestRecordHandshakeAttemptAndFailure(t *testing.T) {
	m := newTestMetrics()
	m.RecordHandshakeAttempt("host")
	m.RecordHandshakeFailure("peer", "confirm")
	require.Equal(t, float64(1), testutil.ToFloat64(m.HandshakeAttempts.WithLabelValues("host")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.HandshakeFailures.WithLabelValues("peer", "confirm")))
}

func TestSetPoolOccupancy(t *testing.T) {
	m := newTestMetrics()
	m.SetPoolOccupancy(7, 3)
	require.Equal(t, float64(7), testutil.ToFloat64(m.PoolQueueDepth))
	require.Equal(t, float64(3), testutil.ToFloat64(m.PoolActiveWorkers))
}
