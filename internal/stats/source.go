// Package stats is the classifier-collaborator boundary: an opaque stream of
// per-window traffic statistics. The packet classifier itself is external;
// whatever produces verdicts feeds observations in here, and the alert sweep
// reads windowed summaries out.
package stats

import (
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/anomaly"
)

// Source is what the analyst-alert sweep consumes.
type Source interface {
	// DeviceStats returns the windowed summary for one device. ok is false
	// when no observations exist in the window.
	DeviceStats(deviceID string, window time.Duration) (anomaly.LiveStats, bool)
	// TrackedDevices lists devices with observations in the retention span.
	TrackedDevices() []string
}

// Observation is one flow-level sample pushed by a producer.
type Observation struct {
	DeviceID    string
	Timestamp   time.Time
	Packets     int64
	Bytes       int64
	Destination string
	Port        int
}

const maxHistoryPerDevice = 512

type deviceHistory struct {
	mu           sync.Mutex
	observations []Observation
}

// RollingSource keeps a bounded in-memory history per device.
type RollingSource struct {
	mu      sync.RWMutex
	devices map[string]*deviceHistory
}

// NewRollingSource creates an empty source.
func NewRollingSource() *RollingSource {
	return &RollingSource{devices: make(map[string]*deviceHistory)}
}

// Record appends one observation, trimming old history.
func (rs *RollingSource) Record(obs Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	rs.mu.Lock()
	hist, ok := rs.devices[obs.DeviceID]
	if !ok {
		hist = &deviceHistory{}
		rs.devices[obs.DeviceID] = hist
	}
	rs.mu.Unlock()

	hist.mu.Lock()
	hist.observations = append(hist.observations, obs)
	if len(hist.observations) > maxHistoryPerDevice {
		hist.observations = hist.observations[len(hist.observations)-maxHistoryPerDevice:]
	}
	hist.mu.Unlock()
}

// DeviceStats aggregates the device's observations inside the window.
func (rs *RollingSource) DeviceStats(deviceID string, window time.Duration) (anomaly.LiveStats, bool) {
	rs.mu.RLock()
	hist, ok := rs.devices[deviceID]
	rs.mu.RUnlock()
	if !ok {
		return anomaly.LiveStats{}, false
	}

	cutoff := time.Now().Add(-window)

	hist.mu.Lock()
	defer hist.mu.Unlock()

	var packets, bytes int64
	var windowEnd time.Time
	dests := make(map[string]struct{})
	ports := make(map[int]struct{})
	n := 0
	for _, obs := range hist.observations {
		if obs.Timestamp.Before(cutoff) {
			continue
		}
		n++
		packets += obs.Packets
		bytes += obs.Bytes
		if obs.Timestamp.After(windowEnd) {
			windowEnd = obs.Timestamp
		}
		if obs.Destination != "" {
			dests[obs.Destination] = struct{}{}
		}
		if obs.Port != 0 {
			ports[obs.Port] = struct{}{}
		}
	}
	if n == 0 {
		return anomaly.LiveStats{}, false
	}

	secs := window.Seconds()
	return anomaly.LiveStats{
		DeviceID:           deviceID,
		WindowSeconds:      int(secs),
		WindowEnd:          windowEnd,
		PacketsPerSecond:   float64(packets) / secs,
		BytesPerSecond:     float64(bytes) / secs,
		UniqueDestinations: len(dests),
		UniquePorts:        len(ports),
	}, true
}

// TrackedDevices lists devices that have ever reported observations.
func (rs *RollingSource) TrackedDevices() []string {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]string, 0, len(rs.devices))
	for id := range rs.devices {
		out = append(out, id)
	}
	return out
}

var _ Source = (*RollingSource)(nil)
