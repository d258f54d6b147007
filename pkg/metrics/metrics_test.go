package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		var total float64
		for _, m := range fam.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestMetrics_RecordsOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Connected("tracking", true)
	m.Connected("tracking", false)
	m.Connected("tracking", true)
	m.EventDiscarded("device", "foreign_vessel")
	m.ObserveProximity(2 * time.Millisecond)

	assert.Equal(t, 2.0, gatherValue(t, reg, "fleetsync_transport_connects_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "fleetsync_transport_connections_active"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "fleetsync_events_discarded_total"))
	assert.Equal(t, 1.0, gatherValue(t, reg, "fleetsync_proximity_query_seconds"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Connected("tracking", true)
		m.FrameDropped("tracking", "queue_full")
		m.PositionApplied()
		m.RelayClients("tracking", 1)
	})
}
