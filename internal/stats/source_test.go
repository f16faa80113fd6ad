package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceStatsAggregatesWindow(t *testing.T) {
	rs := NewRollingSource()
	now := time.Now()

	rs.Record(Observation{DeviceID: "dev-1", Timestamp: now, Packets: 100, Bytes: 5000, Destination: "10.0.0.1", Port: 443})
	rs.Record(Observation{DeviceID: "dev-1", Timestamp: now, Packets: 200, Bytes: 10000, Destination: "10.0.0.2", Port: 80})
	rs.Record(Observation{DeviceID: "dev-1", Timestamp: now, Packets: 50, Bytes: 1000, Destination: "10.0.0.1", Port: 443})

	live, ok := rs.DeviceStats("dev-1", 10*time.Second)
	require.True(t, ok)
	assert.InDelta(t, 35.0, live.PacketsPerSecond, 0.01) // 350 packets / 10s
	assert.InDelta(t, 1600.0, live.BytesPerSecond, 0.01)
	assert.Equal(t, 2, live.UniqueDestinations)
	assert.Equal(t, 2, live.UniquePorts)
	assert.False(t, live.WindowEnd.IsZero())
}

func TestObservationsOutsideWindowAreExcluded(t *testing.T) {
	rs := NewRollingSource()

	rs.Record(Observation{DeviceID: "dev-1", Timestamp: time.Now().Add(-time.Hour), Packets: 1000})

	_, ok := rs.DeviceStats("dev-1", 10*time.Second)
	assert.False(t, ok, "stale observations produce no window")
}

func TestUnknownDeviceHasNoStats(t *testing.T) {
	rs := NewRollingSource()

	_, ok := rs.DeviceStats("ghost", time.Minute)
	assert.False(t, ok)
	assert.Empty(t, rs.TrackedDevices())
}

func TestHistoryIsBounded(t *testing.T) {
	rs := NewRollingSource()
	now := time.Now()

	for i := 0; i < maxHistoryPerDevice+100; i++ {
		rs.Record(Observation{DeviceID: "dev-1", Timestamp: now, Packets: 1})
	}

	live, ok := rs.DeviceStats("dev-1", time.Minute)
	require.True(t, ok)
	// Only the retained tail contributes.
	assert.InDelta(t, float64(maxHistoryPerDevice)/60.0, live.PacketsPerSecond, 0.01)
}

func TestWindowEndIsStableForQuietDevice(t *testing.T) {
	rs := NewRollingSource()
	ts := time.Now()
	rs.Record(Observation{DeviceID: "dev-1", Timestamp: ts, Packets: 1})

	// Two reads with no new observations report the same window end, so the
	// alert sweep sees one event identity.
	first, ok := rs.DeviceStats("dev-1", time.Minute)
	require.True(t, ok)
	second, ok := rs.DeviceStats("dev-1", time.Minute)
	require.True(t, ok)
	assert.Equal(t, first.WindowEnd, second.WindowEnd)
}
