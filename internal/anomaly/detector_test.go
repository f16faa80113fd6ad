package anomaly

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
)

func testDetector() *Detector {
	return NewDetector(config.Default().Anomaly)
}

func normalBaseline(deviceID string) core.Baseline {
	return core.Baseline{
		DeviceID:         deviceID,
		PacketsPerSecond: 10,
		BytesPerSecond:   1000,
		CommonDestinations: map[string]int{
			"10.0.0.1": 100, "10.0.0.2": 50,
		},
		CommonPorts: map[int]int{80: 100, 443: 80},
	}
}

func TestNoBaselineFailsOpen(t *testing.T) {
	d := testDetector()

	// A device still profiling produces no verdict, however wild the traffic.
	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:         "dev-1",
		PacketsPerSecond: 1e6,
		BytesPerSecond:   1e9,
	})
	assert.False(t, event.IsAnomaly())
	assert.Equal(t, core.AnomalyNone, event.Type)
}

func TestNormalTrafficIsClean(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", normalBaseline("dev-1"))

	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:           "dev-1",
		PacketsPerSecond:   12,
		BytesPerSecond:     1100,
		UniqueDestinations: 2,
		UniquePorts:        2,
	})
	assert.False(t, event.IsAnomaly())
	assert.Empty(t, event.Triggers)
}

func TestPacketFloodClassifiesAsDoS(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", normalBaseline("dev-1"))

	// 10 pps baseline, 600 pps live: 60x over the 50x threshold.
	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:         "dev-1",
		PacketsPerSecond: 600,
		BytesPerSecond:   1500,
	})
	assert.True(t, event.IsAnomaly())
	assert.Equal(t, core.AnomalyDoS, event.Type)
	assert.Contains(t, event.Triggers, "packets_per_second_ratio")
}

func TestByteVolumeWithoutPacketFloodIsExfiltration(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", normalBaseline("dev-1"))

	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:         "dev-1",
		PacketsPerSecond: 15,
		BytesPerSecond:   60000, // 60x baseline
	})
	assert.True(t, event.IsAnomaly())
	assert.Equal(t, core.AnomalyExfiltration, event.Type)
}

func TestCardinalityExpansionIsScan(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", normalBaseline("dev-1"))

	// Rates normal, but touching 25 destinations against a 2-entry baseline.
	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:           "dev-1",
		PacketsPerSecond:   11,
		BytesPerSecond:     1000,
		UniqueDestinations: 25,
		UniquePorts:        30,
	})
	assert.True(t, event.IsAnomaly())
	assert.Equal(t, core.AnomalyScan, event.Type)
	assert.Contains(t, event.Triggers, "unique_destinations_ratio")
	assert.Contains(t, event.Triggers, "unique_ports_ratio")
}

func TestSeverityGrading(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", normalBaseline("dev-1"))

	// Just over the threshold: low.
	event := d.DetectAnomalies("dev-1", LiveStats{
		PacketsPerSecond: 550, // 55x vs 50x threshold
		BytesPerSecond:   1000,
	})
	assert.Equal(t, core.SeverityLow, event.Severity)

	// 3x the threshold: medium.
	event = d.DetectAnomalies("dev-1", LiveStats{
		PacketsPerSecond: 1600, // 160x, 3.2x over threshold
		BytesPerSecond:   1000,
	})
	assert.Equal(t, core.SeverityMedium, event.Severity)

	// 10x the threshold: high.
	event = d.DetectAnomalies("dev-1", LiveStats{
		PacketsPerSecond: 6000, // 600x, 12x over threshold
		BytesPerSecond:   1000,
	})
	assert.Equal(t, core.SeverityHigh, event.Severity)
}

func TestSilentBaselineFlagsAnyTraffic(t *testing.T) {
	d := testDetector()
	d.SetBaseline("dev-1", core.Baseline{
		DeviceID:           "dev-1",
		CommonDestinations: map[string]int{},
		CommonPorts:        map[int]int{},
	})

	// A device profiled as silent now emits traffic: infinite ratio, high.
	event := d.DetectAnomalies("dev-1", LiveStats{
		DeviceID:         "dev-1",
		PacketsPerSecond: 1,
	})
	assert.True(t, event.IsAnomaly())
	assert.Equal(t, core.SeverityHigh, event.Severity)
}

func TestHasBaseline(t *testing.T) {
	d := testDetector()
	assert.False(t, d.HasBaseline("dev-1"))
	d.SetBaseline("dev-1", normalBaseline("dev-1"))
	assert.True(t, d.HasBaseline("dev-1"))
}
