// Package anomaly compares live traffic statistics against a device's stored
// behavioral baseline and classifies deviations.
package anomaly

import (
	"log"
	"math"
	"sync"
	"time"

	"github.com/zerofleet/backend/internal/config"
	"github.com/zerofleet/backend/internal/core"
)

// LiveStats is a windowed traffic summary for one device, produced by the
// classifier collaborator. The detector treats it as opaque numbers.
type LiveStats struct {
	DeviceID           string    `json:"device_id"`
	WindowSeconds      int       `json:"window_seconds"`
	WindowEnd          time.Time `json:"window_end"` // latest observation in the window
	PacketsPerSecond   float64   `json:"packets_per_second"`
	BytesPerSecond     float64   `json:"bytes_per_second"`
	UniqueDestinations int       `json:"unique_destinations"`
	UniquePorts        int       `json:"unique_ports"`
}

// Detector holds comparator baselines and the alarm thresholds.
type Detector struct {
	mu        sync.RWMutex
	baselines map[string]core.Baseline

	cfg    config.AnomalyConfig
	logger *log.Logger
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg config.AnomalyConfig) *Detector {
	if cfg.RateRatio == 0 {
		cfg.RateRatio = 50
	}
	if cfg.CardinalityRatio == 0 {
		cfg.CardinalityRatio = 10
	}
	if cfg.HighMultiplier == 0 {
		cfg.HighMultiplier = 10
	}
	if cfg.MediumMultiplier == 0 {
		cfg.MediumMultiplier = 3
	}
	return &Detector{
		baselines: make(map[string]core.Baseline),
		cfg:       cfg,
		logger:    log.New(log.Writer(), "[ANOMALY] ", log.LstdFlags),
	}
}

// SetBaseline installs or replaces the comparator baseline for a device.
func (d *Detector) SetBaseline(deviceID string, baseline core.Baseline) {
	d.mu.Lock()
	d.baselines[deviceID] = baseline
	d.mu.Unlock()
}

// HasBaseline reports whether a comparator baseline is installed.
func (d *Detector) HasBaseline(deviceID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.baselines[deviceID]
	return ok
}

// DetectAnomalies compares live statistics to the device's baseline.
//
// Devices with no installed baseline are always reported non-anomalous.
// That fail-open is deliberate: with no comparator data there is nothing to
// compare against, and profiling-in-progress devices must not be punished.
func (d *Detector) DetectAnomalies(deviceID string, live LiveStats) core.AnomalyEvent {
	// The event's identity is the window it describes, not the wall clock:
	// re-running the detector over the same window yields the same identity,
	// which is what lets the alert sweep consume each verdict exactly once.
	ts := live.WindowEnd
	if ts.IsZero() {
		ts = time.Now()
	}
	event := core.AnomalyEvent{
		DeviceID:  deviceID,
		Timestamp: ts,
		Type:      core.AnomalyNone,
		Triggers:  map[string]float64{},
	}

	d.mu.RLock()
	baseline, ok := d.baselines[deviceID]
	d.mu.RUnlock()
	if !ok {
		return event
	}

	ppsRatio := ratio(live.PacketsPerSecond, baseline.PacketsPerSecond)
	bpsRatio := ratio(live.BytesPerSecond, baseline.BytesPerSecond)
	destRatio := ratio(float64(live.UniqueDestinations), float64(len(baseline.CommonDestinations)))
	portRatio := ratio(float64(live.UniquePorts), float64(len(baseline.CommonPorts)))

	ppsOver := ppsRatio > d.cfg.RateRatio
	bpsOver := bpsRatio > d.cfg.RateRatio
	destOver := destRatio > d.cfg.CardinalityRatio
	portOver := portRatio > d.cfg.CardinalityRatio

	if !ppsOver && !bpsOver && !destOver && !portOver {
		return event
	}

	// Classification order matters: a flood dominates cardinality expansion,
	// and byte volume without packet volume reads as exfiltration.
	switch {
	case ppsOver:
		event.Type = core.AnomalyDoS
	case bpsOver:
		event.Type = core.AnomalyExfiltration
	case destOver || portOver:
		event.Type = core.AnomalyScan
	default:
		event.Type = core.AnomalyUnknown
	}

	worst := 0.0
	if ppsOver {
		event.Triggers["packets_per_second_ratio"] = ppsRatio
		worst = math.Max(worst, ppsRatio/d.cfg.RateRatio)
	}
	if bpsOver {
		event.Triggers["bytes_per_second_ratio"] = bpsRatio
		worst = math.Max(worst, bpsRatio/d.cfg.RateRatio)
	}
	if destOver {
		event.Triggers["unique_destinations_ratio"] = destRatio
		worst = math.Max(worst, destRatio/d.cfg.CardinalityRatio)
	}
	if portOver {
		event.Triggers["unique_ports_ratio"] = portRatio
		worst = math.Max(worst, portRatio/d.cfg.CardinalityRatio)
	}

	switch {
	case worst >= d.cfg.HighMultiplier:
		event.Severity = core.SeverityHigh
	case worst >= d.cfg.MediumMultiplier:
		event.Severity = core.SeverityMedium
	default:
		event.Severity = core.SeverityLow
	}

	d.logger.Printf("Anomaly for %s: type=%s severity=%s triggers=%v",
		deviceID, event.Type, event.Severity, event.Triggers)
	return event
}

// ratio handles zero-valued baselines: a silent device producing any traffic
// is infinitely over its baseline.
func ratio(live, base float64) float64 {
	if base > 0 {
		return live / base
	}
	if live == 0 {
		return 0
	}
	return math.Inf(1)
}
