package core

import "time"

// DeviceStatus is the lifecycle state of a fleet device.
type DeviceStatus string

const (
	StatusActive      DeviceStatus = "active"
	StatusQuarantined DeviceStatus = "quarantined"
	StatusRevoked     DeviceStatus = "revoked"
)

// Device represents a network-attached device in the fleet.
// Devices are never physically deleted; revocation is a soft transition.
type Device struct {
	ID          string       `json:"id"`
	Address     string       `json:"address"` // MAC-equivalent network address
	Status      DeviceStatus `json:"status"`
	DeviceType  string       `json:"device_type,omitempty"`
	OnboardedAt time.Time    `json:"onboarded_at"`
	LastSeen    time.Time    `json:"last_seen"`
}

// Baseline is the statistical profile of a device's normal traffic,
// established once at the end of the profiling window.
type Baseline struct {
	DeviceID           string         `json:"device_id"`
	PacketCount        int64          `json:"packet_count"`
	PacketsPerSecond   float64        `json:"packets_per_second"`
	BytesPerSecond     float64        `json:"bytes_per_second"`
	CommonDestinations map[string]int `json:"common_destinations"`
	CommonPorts        map[int]int    `json:"common_ports"`
	EstablishedAt      time.Time      `json:"established_at"`
}

// TrustLevel is the discrete band derived from a trust score.
type TrustLevel string

const (
	LevelTrusted    TrustLevel = "trusted"    // score >= 70
	LevelNormal     TrustLevel = "normal"     // 50..69
	LevelSuspicious TrustLevel = "suspicious" // 30..49
	LevelUntrusted  TrustLevel = "untrusted"  // < 30
)

// ScoreEntry is one adjustment in a TrustRecord's history.
type ScoreEntry struct {
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// AnomalyType classifies what an anomaly event looks like.
type AnomalyType string

const (
	AnomalyNone         AnomalyType = "none"
	AnomalyDoS          AnomalyType = "dos"
	AnomalyScan         AnomalyType = "scan"
	AnomalyExfiltration AnomalyType = "exfiltration"
	AnomalyUnknown      AnomalyType = "unknown"
)

// Severity grades anomaly and threat events.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AnomalyEvent is the detector's verdict for one device over one window.
// Consumed exactly once by the alert sweep, which deduplicates by
// (device id, timestamp, type).
type AnomalyEvent struct {
	DeviceID  string             `json:"device_id"`
	Timestamp time.Time          `json:"timestamp"`
	Type      AnomalyType        `json:"type"`
	Severity  Severity           `json:"severity"`
	Triggers  map[string]float64 `json:"triggers"` // statistic name -> ratio over baseline
}

// IsAnomaly reports whether the event flags anomalous behavior.
func (e AnomalyEvent) IsAnomaly() bool { return e.Type != AnomalyNone }

// DedupKey is the composite identity used for idempotent alert processing.
func (e AnomalyEvent) DedupKey() string {
	return e.DeviceID + "|" + e.Timestamp.UTC().Format(time.RFC3339Nano) + "|" + string(e.Type)
}

// Action is the enforcement disposition applied to a device.
type Action string

const (
	ActionAllow      Action = "allow"
	ActionRedirect   Action = "redirect" // route to decoy for observation
	ActionDeny       Action = "deny"
	ActionQuarantine Action = "quarantine"
)

// PolicySource records what produced a policy decision.
type PolicySource string

const (
	SourceThreshold PolicySource = "threshold" // derived from the trust score bands
	SourceOverride  PolicySource = "override"  // forced by an alert source or analyst
)

// PolicyState is the currently enforced policy for a device. Replacing it
// supersedes the prior rule at the enforcement boundary.
type PolicyState struct {
	DeviceID  string            `json:"device_id"`
	Action    Action            `json:"action"`
	Match     map[string]string `json:"match"`
	Priority  int               `json:"priority"`
	Source    PolicySource      `json:"source"`
	AppliedAt time.Time         `json:"applied_at"`
}

// BlockEntry records a blocked network identifier.
type BlockEntry struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	BlockedAt  time.Time `json:"blocked_at"`
}

// MitigationRule is the descriptor handed to the enforcement boundary when
// an identifier is blocked.
type MitigationRule struct {
	Action      Action            `json:"action"`
	Match       map[string]string `json:"match"`
	Priority    int               `json:"priority"`
	Reason      string            `json:"reason"`
	GeneratedAt time.Time         `json:"generated_at"`
}
