package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestActiveNodesGauge(t *testing.T) {
	ActiveNodes.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(ActiveNodes))
}

func TestTimerObservesDuration(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDuration(TickDuration)
	require.Greater(t, testutil.CollectAndCount(TickDuration), 0)
}
